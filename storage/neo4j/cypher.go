package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"

	driver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// runFunc runs one Cypher statement and returns all of its records.
type runFunc func(ctx context.Context, query string, params map[string]interface{}) ([]*driver.Record, error)

// schema holds the dataset-qualified labels of a neuPrint database, e.g. `hemibrain_Segment`.
type schema struct {
	dataset string
}

func newSchema(dataset string) (schema, error) {
	if dataset == "" || strings.ContainsAny(dataset, "`\x00") {
		return schema{}, neuprint.NewError(neuprint.InvalidArgument, "bad dataset name %q", dataset)
	}
	return schema{dataset: dataset}, nil
}

// label returns the escaped dataset label for a node kind.
func (s schema) label(kind string) string {
	return "`" + s.dataset + "_" + kind + "`"
}

// labels returns the full label set given to a new node of a kind.
func (s schema) labels(kind string) string {
	return kind + ":`" + s.dataset + "`:" + s.label(kind)
}

// expand replaces {Segment}, {Neuron}, {SynapseSet}, {Synapse} and {Meta} with the
// dataset labels.
func (s schema) expand(query string) string {
	return strings.NewReplacer(
		"{Segment}", s.label("Segment"),
		"{Neuron}", s.label("Neuron"),
		"{SynapseSet}", s.label("SynapseSet"),
		"{Synapse}", s.label("Synapse"),
		"{Meta}", s.label("Meta"),
		"{+SynapseSet}", s.labels("SynapseSet"),
		"{+Segment}", s.labels("Segment"),
	).Replace(query)
}

// cypher translates commands into statements on one dataset.
type cypher struct {
	schema
	run runFunc
}

func (c cypher) query(ctx context.Context, query string, params map[string]interface{}) ([]*driver.Record, error) {
	return c.run(ctx, c.expand(query), params)
}

func (c cypher) exec(ctx context.Context, cmd storage.Command) (*storage.Result, error) {
	switch cm := cmd.(type) {
	case storage.GetMeta:
		meta, err := c.getMeta(ctx)
		if err != nil {
			return nil, err
		}
		return &storage.Result{Meta: meta}, nil
	case storage.FindSegments:
		return c.findSegments(ctx, cm.BodyIDs)
	case storage.GetConnections:
		return c.getConnections(ctx, cm.NodeIDs)
	case storage.GetSynapseSetPairs:
		return c.getSetPairs(ctx, cm.NodeIDs)
	case storage.FindSynapsePairs:
		return c.findSynapsePairs(ctx, cm.SegmentID, cm.Locations)
	case storage.GetSetMembers:
		return c.setMembers(ctx, cm.SetIDs)
	case storage.MergeNodes:
		id, err := c.mergeNodes(ctx, cm.NodeIDs)
		if err != nil {
			return nil, err
		}
		return &storage.Result{NodeID: id}, nil
	case storage.MergeNodeGroups:
		for _, group := range cm.Groups {
			if _, err := c.mergeNodes(ctx, group); err != nil {
				return nil, err
			}
		}
		return &storage.Result{}, nil
	case storage.SetConnection:
		return &storage.Result{}, c.setConnection(ctx, cm.From, cm.To, cm.Props)
	case storage.DeleteConnection:
		_, err := c.query(ctx, deleteConnectionQuery, map[string]interface{}{"from": int64(cm.From), "to": int64(cm.To)})
		return &storage.Result{}, err
	case storage.CreateSegment:
		id, err := c.createSegment(ctx, cm.Props, cm.Neuron)
		if err != nil {
			return nil, err
		}
		return &storage.Result{NodeID: id}, nil
	case storage.SetSegment:
		return &storage.Result{NodeID: cm.NodeID}, c.setSegment(ctx, cm.NodeID, cm.Props, cm.Neuron)
	case storage.EnsureSynapseSetPair:
		pair, err := c.ensureSetPair(ctx, cm.Pre, cm.Post)
		if err != nil {
			return nil, err
		}
		return &storage.Result{SetPair: pair}, nil
	case storage.DeleteSynapseSetPair:
		return &storage.Result{}, c.deleteSetPair(ctx, cm.Pre, cm.Post)
	case storage.LinkSynapses:
		return &storage.Result{}, c.linkSynapses(ctx, cm.Links)
	case storage.UnlinkSynapses:
		if len(cm.Links) == 0 {
			return &storage.Result{}, nil
		}
		_, err := c.query(ctx, unlinkQuery, map[string]interface{}{"links": membershipParams(cm.Links)})
		return &storage.Result{}, err
	case storage.TouchMeta:
		meta, err := c.touchMeta(ctx, cm)
		if err != nil {
			return nil, err
		}
		return &storage.Result{Meta: meta}, nil
	default:
		return nil, neuprint.NewError(neuprint.InvalidArgument, "neo4j store can't execute %T", cmd)
	}
}

const (
	metaQuery = `MATCH (m:{Meta}) RETURN properties(m) AS props`

	findSegmentsQuery = `
MATCH (n:{Segment}) WHERE n.bodyId IN $bodyIds
RETURN id(n) AS id, properties(n) AS props, n:{Neuron} AS neuron`

	connectionsQuery = `
MATCH (n:{Segment})-[x:ConnectsTo]-(:{Segment}) WHERE id(n) IN $ids
RETURN DISTINCT id(x) AS rel, id(startNode(x)) AS from, id(endNode(x)) AS to, properties(x) AS props`

	setPairsQuery = `
MATCH (a:{Segment})-[:Contains]->(x:{SynapseSet})-[:ConnectsTo]->(y:{SynapseSet})<-[:Contains]-(b:{Segment})
WHERE id(a) IN $ids
RETURN id(x) AS preSet, id(y) AS postSet, id(a) AS preOwner, id(b) AS postOwner
UNION
MATCH (a:{Segment})-[:Contains]->(x:{SynapseSet})-[:ConnectsTo]->(y:{SynapseSet})<-[:Contains]-(b:{Segment})
WHERE id(b) IN $ids
RETURN id(x) AS preSet, id(y) AS postSet, id(a) AS preOwner, id(b) AS postOwner`

	// The partner set must be the one linked to the site's set.  partnerPosts counts the
	// posts of a presynaptic partner that the queried segment owns.
	synapsePairsQuery = `
UNWIND $locations AS loc
MATCH (n:{Segment})-[:Contains]->(ss:{SynapseSet})-[:Contains]->(s:{Synapse})
WHERE id(n) = $segment AND s.location = point({x: loc[0], y: loc[1], z: loc[2]})
MATCH (s)-[:SynapsesTo]-(p:{Synapse})<-[:Contains]-(ps:{SynapseSet})-[:ConnectsTo]-(ss)
MATCH (ps)<-[:Contains]-(m:{Segment})
OPTIONAL MATCH (p)-[:SynapsesTo]->(pp:{Synapse})<-[:Contains]-(:{SynapseSet})<-[:Contains]-(n)
WHERE p.type = 'pre'
RETURN loc, id(s) AS site, id(ss) AS siteSet, properties(s) AS siteProps,
       id(p) AS partner, id(ps) AS partnerSet, properties(p) AS partnerProps,
       id(m) AS partnerSegment, count(DISTINCT pp) AS partnerPosts`

	setMembersQuery = `
MATCH (x:{SynapseSet})-[:Contains]->(s:{Synapse}) WHERE id(x) IN $sets
RETURN id(x) AS set, id(s) AS id, properties(s) AS props`

	mergeNodesQuery = `
MATCH (n) WHERE id(n) IN $ids
WITH n ORDER BY CASE WHEN id(n) = $survivor THEN 0 ELSE 1 END
WITH collect(n) AS nodes
CALL apoc.refactor.mergeNodes(nodes, {properties: "discard", mergeRels: true}) YIELD node
RETURN id(node) AS id`

	setConnectionQuery = `
MATCH (a:{Segment}), (b:{Segment}) WHERE id(a) = $from AND id(b) = $to
MERGE (a)-[x:ConnectsTo]->(b)
SET x = $props
RETURN id(x) AS rel`

	deleteConnectionQuery = `
MATCH (a:{Segment})-[x:ConnectsTo]->(b:{Segment}) WHERE id(a) = $from AND id(b) = $to
DELETE x`

	bodyTakenQuery = `
MATCH (n:{Segment}) WHERE n.bodyId = $bodyId AND NOT id(n) = $id
RETURN count(n) AS taken`

	createSegmentQuery = `
CREATE (n:{+Segment})
SET n = $props
%s
RETURN id(n) AS id`

	setSegmentQuery = `
MATCH (n:{Segment}) WHERE id(n) = $id
SET n = $props
%s
RETURN id(n) AS id`

	findSetPairQuery = `
MATCH (a:{Segment})-[:Contains]->(x:{SynapseSet})-[:ConnectsTo]->(y:{SynapseSet})<-[:Contains]-(b:{Segment})
WHERE id(a) = $pre AND id(b) = $post
OPTIONAL MATCH (x)-[:Contains]->(s)
OPTIONAL MATCH (y)-[:Contains]->(t)
RETURN id(x) AS preSet, id(y) AS postSet, count(DISTINCT s) + count(DISTINCT t) AS members
ORDER BY preSet LIMIT 1`

	createSetPairQuery = `
MATCH (a:{Segment}), (b:{Segment}) WHERE id(a) = $pre AND id(b) = $post
CREATE (a)-[:Contains]->(x:{+SynapseSet})-[:ConnectsTo]->(y:{+SynapseSet})<-[:Contains]-(b)
RETURN id(x) AS preSet, id(y) AS postSet`

	deleteSetsQuery = `
MATCH (x:{SynapseSet}) WHERE id(x) IN $sets
DETACH DELETE x`

	linkQuery = `
UNWIND $links AS link
MATCH (x:{SynapseSet}), (s:{Synapse}) WHERE id(x) = link.set AND id(s) = link.synapse
MERGE (x)-[:Contains]->(s)
RETURN count(*) AS linked`

	unlinkQuery = `
UNWIND $links AS link
MATCH (x:{SynapseSet})-[r:Contains]->(s:{Synapse}) WHERE id(x) = link.set AND id(s) = link.synapse
DELETE r`

	touchMetaQuery = `
MATCH (m:{Meta})
SET m.lastDatabaseEdit = $time %s
RETURN properties(m) AS props`
)

func (c cypher) getMeta(ctx context.Context) (*neuprint.Meta, error) {
	records, err := c.query(ctx, metaQuery, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMeta(records)
}

func (c cypher) decodeMeta(records []*driver.Record) (*neuprint.Meta, error) {
	if len(records) == 0 {
		return nil, neuprint.NewError(neuprint.NotFound, "dataset %q has no Meta node", c.dataset)
	}
	if len(records) > 1 {
		return nil, neuprint.NewError(neuprint.InvariantViolation, "dataset %q has %d Meta nodes", c.dataset, len(records))
	}
	props, err := value[map[string]interface{}](records[0], "props")
	if err != nil {
		return nil, err
	}
	meta, err := neuprint.MetaFromMap(props)
	if err != nil {
		return nil, neuprint.WrapError(neuprint.InvariantViolation, err)
	}
	if meta.Dataset == "" {
		meta.Dataset = c.dataset
	}
	return &meta, nil
}

func (c cypher) findSegments(ctx context.Context, bodyIDs []uint64) (*storage.Result, error) {
	ids := make([]int64, len(bodyIDs))
	for i, body := range bodyIDs {
		ids[i] = int64(body)
	}
	records, err := c.query(ctx, findSegmentsQuery, map[string]interface{}{"bodyIds": ids})
	if err != nil {
		return nil, err
	}
	res := new(storage.Result)
	for _, rec := range records {
		id, err := value[int64](rec, "id")
		if err != nil {
			return nil, err
		}
		props, err := value[map[string]interface{}](rec, "props")
		if err != nil {
			return nil, err
		}
		neuron, err := value[bool](rec, "neuron")
		if err != nil {
			return nil, err
		}
		seg, err := neuprint.SegmentFromMap(props)
		if err != nil {
			return nil, neuprint.WrapError(neuprint.InvariantViolation, fmt.Errorf("node %d: %v", id, err))
		}
		res.Segments = append(res.Segments, storage.SegmentRow{NodeID: neuprint.NodeID(id), Props: seg, Neuron: neuron})
	}
	return res, nil
}

func (c cypher) getConnections(ctx context.Context, nodeIDs []neuprint.NodeID) (*storage.Result, error) {
	records, err := c.query(ctx, connectionsQuery, map[string]interface{}{"ids": nodeParams(nodeIDs)})
	if err != nil {
		return nil, err
	}
	res := new(storage.Result)
	seen := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		var row storage.ConnectionRow
		var from, to int64
		if row.RelID, err = value[int64](rec, "rel"); err != nil {
			return nil, err
		}
		if _, dup := seen[row.RelID]; dup {
			continue
		}
		seen[row.RelID] = struct{}{}
		if from, err = value[int64](rec, "from"); err != nil {
			return nil, err
		}
		if to, err = value[int64](rec, "to"); err != nil {
			return nil, err
		}
		props, err := value[map[string]interface{}](rec, "props")
		if err != nil {
			return nil, err
		}
		if row.Props, err = neuprint.ConnectionFromMap(props); err != nil {
			return nil, neuprint.WrapError(neuprint.InvariantViolation, fmt.Errorf("relation %d: %v", row.RelID, err))
		}
		row.From, row.To = neuprint.NodeID(from), neuprint.NodeID(to)
		res.Connections = append(res.Connections, row)
	}
	return res, nil
}

func (c cypher) getSetPairs(ctx context.Context, nodeIDs []neuprint.NodeID) (*storage.Result, error) {
	records, err := c.query(ctx, setPairsQuery, map[string]interface{}{"ids": nodeParams(nodeIDs)})
	if err != nil {
		return nil, err
	}
	res := new(storage.Result)
	for _, rec := range records {
		row, err := decodeSetPair(rec, "preSet", "postSet", "preOwner", "postOwner")
		if err != nil {
			return nil, err
		}
		res.SetPairs = append(res.SetPairs, row)
	}
	return res, nil
}

func decodeSetPair(rec *driver.Record, keys ...string) (row storage.SetPairRow, err error) {
	fields := []*neuprint.NodeID{&row.PreSet, &row.PostSet, &row.PreOwner, &row.PostOwner}
	for i, key := range keys {
		id, err := value[int64](rec, key)
		if err != nil {
			return row, err
		}
		*fields[i] = neuprint.NodeID(id)
	}
	return row, nil
}

func (c cypher) findSynapsePairs(ctx context.Context, segment neuprint.NodeID, locations []neuprint.Point3d) (*storage.Result, error) {
	var locs []interface{}
	seen := make(map[neuprint.Point3d]struct{}, len(locations))
	var unique []neuprint.Point3d
	for _, pt := range locations {
		if _, dup := seen[pt]; dup {
			continue
		}
		seen[pt] = struct{}{}
		unique = append(unique, pt)
		locs = append(locs, []interface{}{int64(pt[0]), int64(pt[1]), int64(pt[2])})
	}
	res := new(storage.Result)
	if len(unique) == 0 {
		return res, nil
	}
	records, err := c.query(ctx, synapsePairsQuery, map[string]interface{}{"segment": int64(segment), "locations": locs})
	if err != nil {
		return nil, err
	}
	resolved := make(map[neuprint.Point3d]struct{}, len(unique))
	for _, rec := range records {
		var row storage.SynapsePairRow
		if row.Site, err = decodeSite(rec, "site", "siteSet", "siteProps"); err != nil {
			return nil, err
		}
		if row.Partner, err = decodeSite(rec, "partner", "partnerSet", "partnerProps"); err != nil {
			return nil, err
		}
		partnerSegment, err := value[int64](rec, "partnerSegment")
		if err != nil {
			return nil, err
		}
		posts, err := value[int64](rec, "partnerPosts")
		if err != nil {
			return nil, err
		}
		if row.Site.Synapse.Type == row.Partner.Synapse.Type {
			return nil, neuprint.NewError(neuprint.InvariantViolation, "synapses %d and %d are both %s but connected",
				row.Site.ID, row.Partner.ID, row.Site.Synapse.Type)
		}
		row.PartnerSegment = neuprint.NodeID(partnerSegment)
		if row.Partner.Synapse.Type == neuprint.PreSynapse {
			row.PartnerPostsInSegment = int(posts)
		}
		resolved[row.Site.Synapse.Location] = struct{}{}
		res.SynapsePairs = append(res.SynapsePairs, row)
	}
	for _, pt := range unique {
		if _, found := resolved[pt]; !found {
			res.Unresolved = append(res.Unresolved, pt)
		}
	}
	return res, nil
}

func (c cypher) setMembers(ctx context.Context, sets []neuprint.NodeID) (*storage.Result, error) {
	res := new(storage.Result)
	if len(sets) == 0 {
		return res, nil
	}
	records, err := c.query(ctx, setMembersQuery, map[string]interface{}{"sets": nodeParams(sets)})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		site, err := decodeSite(rec, "id", "set", "props")
		if err != nil {
			return nil, err
		}
		res.Sites = append(res.Sites, site)
	}
	return res, nil
}

func decodeSite(rec *driver.Record, idKey, setKey, propsKey string) (site storage.SiteRow, err error) {
	id, err := value[int64](rec, idKey)
	if err != nil {
		return
	}
	set, err := value[int64](rec, setKey)
	if err != nil {
		return
	}
	props, err := value[map[string]interface{}](rec, propsKey)
	if err != nil {
		return
	}
	site.ID, site.Set = neuprint.NodeID(id), neuprint.NodeID(set)
	if site.Synapse, err = neuprint.SynapseFromMap(synapseProps(props)); err != nil {
		return site, neuprint.WrapError(neuprint.InvariantViolation, fmt.Errorf("synapse %d: %v", id, err))
	}
	return site, nil
}

// synapseProps converts a bolt point location into coordinates.
func synapseProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	switch pt := props[neuprint.LocationKey].(type) {
	case driver.Point3D:
		out[neuprint.LocationKey] = []float64{pt.X, pt.Y, pt.Z}
	case driver.Point2D:
		out[neuprint.LocationKey] = []float64{pt.X, pt.Y, 0}
	}
	return out
}

func (c cypher) mergeNodes(ctx context.Context, ids []neuprint.NodeID) (neuprint.NodeID, error) {
	if len(ids) == 0 {
		return 0, neuprint.NewError(neuprint.InvalidArgument, "no nodes to merge")
	}
	survivor := ids[0]
	unique := uniqueNodes(ids)
	if len(unique) == 1 {
		return survivor, nil
	}
	records, err := c.query(ctx, mergeNodesQuery, map[string]interface{}{"ids": nodeParams(unique), "survivor": int64(survivor)})
	if err != nil {
		return 0, err
	}
	if len(records) != 1 {
		return 0, neuprint.NewError(neuprint.InvariantViolation, "merge of nodes %v returned %d nodes", unique, len(records))
	}
	id, err := value[int64](records[0], "id")
	if err != nil {
		return 0, err
	}
	if neuprint.NodeID(id) != survivor {
		return 0, neuprint.NewError(neuprint.InvariantViolation, "merge of nodes %v kept node %d", unique, id)
	}
	return survivor, nil
}

func (c cypher) setConnection(ctx context.Context, from, to neuprint.NodeID, conn neuprint.ConnectionProps) error {
	props, err := conn.ToMap()
	if err != nil {
		return err
	}
	records, err := c.query(ctx, setConnectionQuery, map[string]interface{}{"from": int64(from), "to": int64(to), "props": props})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return neuprint.NewError(neuprint.InvariantViolation, "no segments %d and %d for connection", from, to)
	}
	return nil
}

func (c cypher) neuronClause(neuron bool) string {
	if neuron {
		return "SET n:Neuron:" + c.label("Neuron")
	}
	return "REMOVE n:Neuron:" + c.label("Neuron")
}

func (c cypher) checkBodyFree(ctx context.Context, bodyID uint64, id neuprint.NodeID) error {
	records, err := c.query(ctx, bodyTakenQuery, map[string]interface{}{"bodyId": int64(bodyID), "id": int64(id)})
	if err != nil {
		return err
	}
	if len(records) != 1 {
		return fmt.Errorf("body lookup returned %d rows", len(records))
	}
	taken, err := value[int64](records[0], "taken")
	if err != nil {
		return err
	}
	if taken > 0 {
		return neuprint.NewError(neuprint.InvalidArgument, "body %d already exists in dataset %q", bodyID, c.dataset)
	}
	return nil
}

func (c cypher) createSegment(ctx context.Context, seg neuprint.SegmentProps, neuron bool) (neuprint.NodeID, error) {
	if err := c.checkBodyFree(ctx, seg.BodyID, -1); err != nil {
		return 0, err
	}
	props, err := segmentParams(seg)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(createSegmentQuery, c.neuronClause(neuron))
	records, err := c.query(ctx, query, map[string]interface{}{"props": props})
	if err != nil {
		return 0, err
	}
	if len(records) != 1 {
		return 0, fmt.Errorf("create of body %d returned %d rows", seg.BodyID, len(records))
	}
	id, err := value[int64](records[0], "id")
	return neuprint.NodeID(id), err
}

func (c cypher) setSegment(ctx context.Context, id neuprint.NodeID, seg neuprint.SegmentProps, neuron bool) error {
	if err := c.checkBodyFree(ctx, seg.BodyID, id); err != nil {
		return err
	}
	props, err := segmentParams(seg)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(setSegmentQuery, c.neuronClause(neuron))
	records, err := c.query(ctx, query, map[string]interface{}{"id": int64(id), "props": props})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return neuprint.NewError(neuprint.InvariantViolation, "segment node %d does not exist in dataset %q", id, c.dataset)
	}
	return nil
}

func (c cypher) findSetPair(ctx context.Context, pre, post neuprint.NodeID) (pair storage.SetPairRow, members int64, found bool, err error) {
	records, err := c.query(ctx, findSetPairQuery, map[string]interface{}{"pre": int64(pre), "post": int64(post)})
	if err != nil || len(records) == 0 {
		return
	}
	if pair, err = decodeSetPair(records[0], "preSet", "postSet"); err != nil {
		return
	}
	pair.PreOwner, pair.PostOwner = pre, post
	members, err = value[int64](records[0], "members")
	return pair, members, err == nil, err
}

func (c cypher) ensureSetPair(ctx context.Context, pre, post neuprint.NodeID) (storage.SetPairRow, error) {
	pair, _, found, err := c.findSetPair(ctx, pre, post)
	if err != nil || found {
		return pair, err
	}
	records, err := c.query(ctx, createSetPairQuery, map[string]interface{}{"pre": int64(pre), "post": int64(post)})
	if err != nil {
		return pair, err
	}
	if len(records) != 1 {
		return pair, neuprint.NewError(neuprint.InvariantViolation, "no segments %d and %d for SynapseSets", pre, post)
	}
	if pair, err = decodeSetPair(records[0], "preSet", "postSet"); err != nil {
		return pair, err
	}
	pair.PreOwner, pair.PostOwner = pre, post
	return pair, nil
}

func (c cypher) deleteSetPair(ctx context.Context, pre, post neuprint.NodeID) error {
	pair, members, found, err := c.findSetPair(ctx, pre, post)
	if err != nil || !found {
		return err
	}
	if members > 0 {
		return neuprint.NewError(neuprint.InvariantViolation, "SynapseSets %d -> %d still hold %d synapses", pair.PreSet, pair.PostSet, members)
	}
	_, err = c.query(ctx, deleteSetsQuery, map[string]interface{}{"sets": []int64{int64(pair.PreSet), int64(pair.PostSet)}})
	return err
}

func (c cypher) linkSynapses(ctx context.Context, links []storage.SetMembership) error {
	params := membershipParams(links)
	if len(params) == 0 {
		return nil
	}
	records, err := c.query(ctx, linkQuery, map[string]interface{}{"links": params})
	if err != nil {
		return err
	}
	var linked int64
	if len(records) == 1 {
		if linked, err = value[int64](records[0], "linked"); err != nil {
			return err
		}
	}
	if linked != int64(len(params)) {
		return neuprint.NewError(neuprint.InvariantViolation, "only %d of %d synapse memberships could be linked", linked, len(params))
	}
	return nil
}

func (c cypher) touchMeta(ctx context.Context, cmd storage.TouchMeta) (*neuprint.Meta, error) {
	params := map[string]interface{}{"time": cmd.Time.UTC()}
	var uuidClause string
	if cmd.UUID != "" {
		uuidClause = ", m.uuid = $uuid"
		params["uuid"] = cmd.UUID
	}
	records, err := c.query(ctx, fmt.Sprintf(touchMetaQuery, uuidClause), params)
	if err != nil {
		return nil, err
	}
	return c.decodeMeta(records)
}

// value returns a typed record value.  A null value is an error.
func value[T any](rec *driver.Record, key string) (v T, err error) {
	raw, found := rec.Get(key)
	if !found {
		return v, fmt.Errorf("record has no %q", key)
	}
	v, ok := raw.(T)
	if !ok {
		return v, fmt.Errorf("record %q is %T, expected %T", key, raw, v)
	}
	return v, nil
}

func nodeParams(ids []neuprint.NodeID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func uniqueNodes(ids []neuprint.NodeID) []neuprint.NodeID {
	seen := make(map[neuprint.NodeID]struct{}, len(ids))
	var out []neuprint.NodeID
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func membershipParams(links []storage.SetMembership) []interface{} {
	seen := make(map[storage.SetMembership]struct{}, len(links))
	var out []interface{}
	for _, link := range links {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, map[string]interface{}{"set": int64(link.Set), "synapse": int64(link.Synapse)})
	}
	return out
}

// segmentParams returns segment properties as bolt parameter values.
func segmentParams(seg neuprint.SegmentProps) (map[string]interface{}, error) {
	m, err := seg.ToMap()
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := boltValue(m[k])
		if err != nil {
			return nil, neuprint.NewError(neuprint.InvalidArgument, "property %q: %v", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// boltValue converts decoded JSON into values the driver can send.
func boltValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			ev, err := boltValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case map[string]interface{}:
		return nil, fmt.Errorf("nested maps can't be stored as node properties")
	default:
		return v, nil
	}
}
