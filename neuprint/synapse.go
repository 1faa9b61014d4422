package neuprint

import (
	"fmt"
	"sort"
)

// SynapseType is the side of a synaptic site.
type SynapseType string

const (
	PreSynapse  SynapseType = "pre"
	PostSynapse SynapseType = "post"
)

// Synapse property keys.
const (
	TypeKey       = "type"
	LocationKey   = "location"
	ConfidenceKey = "confidence"
)

// Synapse is a single synaptic site.  ROI membership is stored on the node as boolean
// properties named after each ROI.
type Synapse struct {
	Type       SynapseType `json:"type"`
	Location   Point3d     `json:"location"`
	Confidence float64     `json:"confidence"`
	Rois       []string    `json:"rois,omitempty"`
}

func (s Synapse) String() string {
	return fmt.Sprintf("%s synapse at %s (conf %.3f)", s.Type, s.Location, s.Confidence)
}

// ToMap returns the stored properties of a synapse node.
func (s Synapse) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		TypeKey:       string(s.Type),
		LocationKey:   []int64{int64(s.Location[0]), int64(s.Location[1]), int64(s.Location[2])},
		ConfidenceKey: s.Confidence,
	}
	for _, roi := range s.Rois {
		m[roi] = true
	}
	return m
}

// SynapseFromMap parses stored synapse properties.  Every other property with a true
// boolean value is taken as ROI membership.
func SynapseFromMap(m map[string]interface{}) (s Synapse, err error) {
	typ, _ := m[TypeKey].(string)
	switch SynapseType(typ) {
	case PreSynapse, PostSynapse:
		s.Type = SynapseType(typ)
	default:
		return s, fmt.Errorf("bad synapse type %v", m[TypeKey])
	}
	if s.Location, err = PointFromInterface(m[LocationKey]); err != nil {
		return
	}
	if s.Confidence, err = toFloat64(m[ConfidenceKey]); err != nil {
		return
	}
	for k, v := range m {
		if b, ok := v.(bool); ok && b {
			s.Rois = append(s.Rois, k)
		}
	}
	sort.Strings(s.Rois)
	return
}

// HPThresholds are the confidence cutoffs above which a synapse pair is high precision.
type HPThresholds struct {
	Pre  float64
	Post float64
}

// IsHighPrecision returns true if both sides of a pair exceed their thresholds.
func (t HPThresholds) IsHighPrecision(preConf, postConf float64) bool {
	return preConf > t.Pre && postConf > t.Post
}
