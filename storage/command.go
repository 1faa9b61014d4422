package storage

import (
	"time"

	"github.com/janelia-flyem/npmutate/neuprint"
)

// Command is a request message sent to a Txn.  Each command is a plain struct so that an
// engine can execute it natively or translate it into a declarative query.
type Command interface {
	// CommandName is used for logging and metrics.
	CommandName() string

	// Mutates is true if the command writes to the store.
	Mutates() bool
}

// ---- Reads ----

// GetMeta returns the dataset's Meta node in Result.Meta.
type GetMeta struct{}

// FindSegments returns in Result.Segments the segments with the given body ids.  Body
// ids that don't resolve are simply missing from the rows.
type FindSegments struct {
	BodyIDs []uint64
}

// GetConnections returns in Result.Connections every ConnectsTo relation between
// segments that touches any of the given nodes.  Each relation is returned once even if
// both endpoints are in NodeIDs.
type GetConnections struct {
	NodeIDs []neuprint.NodeID
}

// GetSynapseSetPairs returns in Result.SetPairs every pair of connected SynapseSets
// where either set is owned by one of the given segment nodes.
type GetSynapseSetPairs struct {
	NodeIDs []neuprint.NodeID
}

// FindSynapsePairs returns in Result.SynapsePairs every synapse pair that touches a
// synapse of the given segment at one of the locations.  Only pairs whose SynapseSets
// are connected to each other are returned.  Locations without a synapse of the
// segment are listed in Result.Unresolved.
type FindSynapsePairs struct {
	SegmentID neuprint.NodeID
	Locations []neuprint.Point3d
}

// GetSetMembers returns in Result.Sites the synapses contained by the given
// SynapseSets, one row per membership.
type GetSetMembers struct {
	SetIDs []neuprint.NodeID
}

// ---- Writes ----

// MergeNodes collapses the given nodes into the first one.  Every relation of the other
// nodes is re-pointed to the survivor, and parallel relations of the same type between
// the same endpoints collapse into one, keeping the properties already on the survivor.
// The survivor's properties are kept.  Result.NodeID is the surviving node.
type MergeNodes struct {
	NodeIDs []neuprint.NodeID
}

// MergeNodeGroups runs MergeNodes on each group with at least two nodes.
type MergeNodeGroups struct {
	Groups [][]neuprint.NodeID
}

// SetConnection creates or replaces the ConnectsTo relation between two segments.
type SetConnection struct {
	From, To neuprint.NodeID
	Props    neuprint.ConnectionProps
}

// DeleteConnection removes the ConnectsTo relation between two segments.
type DeleteConnection struct {
	From, To neuprint.NodeID
}

// CreateSegment creates a segment node.  Result.NodeID is the new node.  The body id
// must not already exist.
type CreateSegment struct {
	Props  neuprint.SegmentProps
	Neuron bool
}

// SetSegment replaces all properties of a segment and sets or removes its Neuron label.
type SetSegment struct {
	NodeID neuprint.NodeID
	Props  neuprint.SegmentProps
	Neuron bool
}

// EnsureSynapseSetPair finds or creates the pair of connected SynapseSets for synapses
// from segment Pre onto segment Post.  Result.SetPair holds the set ids.
type EnsureSynapseSetPair struct {
	Pre, Post neuprint.NodeID
}

// DeleteSynapseSetPair deletes the (empty) pair of SynapseSets for synapses from
// segment Pre onto segment Post, if it exists.
type DeleteSynapseSetPair struct {
	Pre, Post neuprint.NodeID
}

// SetMembership is a Contains relation from a SynapseSet to a Synapse.
type SetMembership struct {
	Set     neuprint.NodeID
	Synapse neuprint.NodeID
}

// LinkSynapses adds synapses to SynapseSets.  Existing memberships are left alone.
type LinkSynapses struct {
	Links []SetMembership
}

// UnlinkSynapses removes synapses from SynapseSets.
type UnlinkSynapses struct {
	Links []SetMembership
}

// TouchMeta records an edit on the Meta node.
type TouchMeta struct {
	Time time.Time
	UUID string // left unchanged if empty
}

func (GetMeta) CommandName() string              { return "GetMeta" }
func (FindSegments) CommandName() string         { return "FindSegments" }
func (GetConnections) CommandName() string       { return "GetConnections" }
func (GetSynapseSetPairs) CommandName() string   { return "GetSynapseSetPairs" }
func (FindSynapsePairs) CommandName() string     { return "FindSynapsePairs" }
func (GetSetMembers) CommandName() string        { return "GetSetMembers" }
func (MergeNodes) CommandName() string           { return "MergeNodes" }
func (MergeNodeGroups) CommandName() string      { return "MergeNodeGroups" }
func (SetConnection) CommandName() string        { return "SetConnection" }
func (DeleteConnection) CommandName() string     { return "DeleteConnection" }
func (CreateSegment) CommandName() string        { return "CreateSegment" }
func (SetSegment) CommandName() string           { return "SetSegment" }
func (EnsureSynapseSetPair) CommandName() string { return "EnsureSynapseSetPair" }
func (DeleteSynapseSetPair) CommandName() string { return "DeleteSynapseSetPair" }
func (LinkSynapses) CommandName() string         { return "LinkSynapses" }
func (UnlinkSynapses) CommandName() string       { return "UnlinkSynapses" }
func (TouchMeta) CommandName() string            { return "TouchMeta" }

func (GetMeta) Mutates() bool              { return false }
func (FindSegments) Mutates() bool         { return false }
func (GetConnections) Mutates() bool       { return false }
func (GetSynapseSetPairs) Mutates() bool   { return false }
func (FindSynapsePairs) Mutates() bool     { return false }
func (GetSetMembers) Mutates() bool        { return false }
func (MergeNodes) Mutates() bool           { return true }
func (MergeNodeGroups) Mutates() bool      { return true }
func (SetConnection) Mutates() bool        { return true }
func (DeleteConnection) Mutates() bool     { return true }
func (CreateSegment) Mutates() bool        { return true }
func (SetSegment) Mutates() bool           { return true }
func (EnsureSynapseSetPair) Mutates() bool { return true }
func (DeleteSynapseSetPair) Mutates() bool { return true }
func (LinkSynapses) Mutates() bool         { return true }
func (UnlinkSynapses) Mutates() bool       { return true }
func (TouchMeta) Mutates() bool            { return true }

// ---- Results ----

// SegmentRow is a segment node and its properties.
type SegmentRow struct {
	NodeID neuprint.NodeID
	Props  neuprint.SegmentProps
	Neuron bool
}

// ConnectionRow is a ConnectsTo relation between two segments.  RelID identifies the
// relation so that rows seen from both endpoints can be recognized.
type ConnectionRow struct {
	RelID    int64
	From, To neuprint.NodeID
	Props    neuprint.ConnectionProps
}

// SetPairRow is a pair of connected SynapseSets.  PreSet holds the presynaptic sites of
// segment PreOwner toward segment PostOwner; PostSet holds the partner sites.
type SetPairRow struct {
	PreSet, PostSet     neuprint.NodeID
	PreOwner, PostOwner neuprint.NodeID
}

// SiteRow is a synapse node along with the SynapseSet that holds it in a pair.
type SiteRow struct {
	ID      neuprint.NodeID
	Set     neuprint.NodeID
	Synapse neuprint.Synapse
}

// SynapsePairRow is a synapse pair reached from a requested location.
type SynapsePairRow struct {
	// Site is the synapse of the queried segment at a requested location.
	Site SiteRow

	// Partner is the synapse on the other side of the SynapsesTo relation.
	Partner SiteRow

	// PartnerSegment owns the partner synapse.  It may be the queried segment itself.
	PartnerSegment neuprint.NodeID

	// PartnerPostsInSegment is, when the partner is presynaptic, the number of its
	// postsynaptic partners owned by the queried segment.  Zero otherwise.
	PartnerPostsInSegment int
}

// Pre returns the presynaptic side of the pair.
func (r SynapsePairRow) Pre() SiteRow {
	if r.Site.Synapse.Type == neuprint.PreSynapse {
		return r.Site
	}
	return r.Partner
}

// Post returns the postsynaptic side of the pair.
func (r SynapsePairRow) Post() SiteRow {
	if r.Site.Synapse.Type == neuprint.PreSynapse {
		return r.Partner
	}
	return r.Site
}

// Result holds the rows or ids returned by a command.  Only the fields relevant to the
// command are set.
type Result struct {
	Meta         *neuprint.Meta
	Segments     []SegmentRow
	Connections  []ConnectionRow
	SetPairs     []SetPairRow
	SynapsePairs []SynapsePairRow
	Sites        []SiteRow
	Unresolved   []neuprint.Point3d

	// NodeID is the created or surviving node of a write.
	NodeID neuprint.NodeID

	// SetPair is filled by EnsureSynapseSetPair.
	SetPair SetPairRow
}
