package neuprint

import (
	"fmt"
	"sort"
)

// NodeID is the store-assigned identity of a node.  It is opaque and unrelated to a
// segment's body id.
type NodeID int64

// Segment property keys with typed fields in SegmentProps.
const (
	BodyIDKey      = "bodyId"
	PreKey         = "pre"
	PostKey        = "post"
	SizeKey        = "size"
	StatusKey      = "status"
	StatusLabelKey = "statusLabel"
	CroppedKey     = "cropped"
	RoiInfoKey     = "roiInfo"
)

// NeuronThresholds are the synapse counts at which a Segment also carries the Neuron label.
type NeuronThresholds struct {
	Pre  int64 `toml:"neuronPre"`
	Post int64 `toml:"neuronPost"`
}

// DefaultNeuronThresholds are used for datasets without explicit thresholds.
var DefaultNeuronThresholds = NeuronThresholds{Pre: 2, Post: 10}

// SegmentProps is the property record of a Segment node.  Properties other than the
// typed fields, e.g., "instance", "type" or boolean ROI flags, are kept in Extra.
type SegmentProps struct {
	BodyID      uint64
	Pre         int64
	Post        int64
	Size        int64
	Status      string
	StatusLabel string
	Cropped     *bool
	RoiInfo     RoiInfo
	Extra       map[string]interface{}
}

// Copy returns a deep copy of the record.  Extra values are copied shallowly.
func (s SegmentProps) Copy() SegmentProps {
	out := s
	out.RoiInfo = s.RoiInfo.Copy()
	out.Extra = make(map[string]interface{}, len(s.Extra))
	for k, v := range s.Extra {
		out.Extra[k] = v
	}
	if s.Cropped != nil {
		cropped := *s.Cropped
		out.Cropped = &cropped
	}
	return out
}

// IsNeuron returns true if the segment reaches either synapse threshold.
func (s SegmentProps) IsNeuron(t NeuronThresholds) bool {
	return s.Pre >= t.Pre || s.Post >= t.Post
}

// Overlay sets each given property, last write wins.  A nil value removes the property.
func (s *SegmentProps) Overlay(props map[string]interface{}) error {
	if s.Extra == nil {
		s.Extra = make(map[string]interface{})
	}
	for _, key := range sortedKeys(props) {
		if err := s.set(key, props[key]); err != nil {
			return NewError(InvalidArgument, "property %q: %v", key, err)
		}
	}
	return nil
}

func (s *SegmentProps) set(key string, v interface{}) (err error) {
	switch key {
	case BodyIDKey:
		if v == nil {
			return fmt.Errorf("bodyId can't be removed")
		}
		s.BodyID, err = ParseBodyID(v)
	case PreKey:
		s.Pre, err = toInt64(v)
	case PostKey:
		s.Post, err = toInt64(v)
	case SizeKey:
		s.Size, err = toInt64(v)
	case StatusKey:
		s.Status, err = toString(v)
	case StatusLabelKey:
		s.StatusLabel, err = toString(v)
	case CroppedKey:
		if v == nil {
			s.Cropped = nil
			return nil
		}
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		s.Cropped = &b
	case RoiInfoKey:
		s.RoiInfo, err = roiInfoFromInterface(v)
	default:
		if v == nil {
			delete(s.Extra, key)
		} else {
			s.Extra[key] = v
		}
	}
	return
}

func toString(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

// ToMap returns the flat property map as stored on the node, with roiInfo as a JSON string.
func (s SegmentProps) ToMap() (map[string]interface{}, error) {
	m := make(map[string]interface{}, len(s.Extra)+8)
	for k, v := range s.Extra {
		m[k] = v
	}
	m[BodyIDKey] = int64(s.BodyID)
	m[PreKey] = s.Pre
	m[PostKey] = s.Post
	m[SizeKey] = s.Size
	if s.Status != "" {
		m[StatusKey] = s.Status
	}
	if s.StatusLabel != "" {
		m[StatusLabelKey] = s.StatusLabel
	}
	if s.Cropped != nil {
		m[CroppedKey] = *s.Cropped
	}
	roiStr, err := s.RoiInfo.MarshalString()
	if err != nil {
		return nil, err
	}
	m[RoiInfoKey] = roiStr
	return m, nil
}

// SegmentFromMap parses a stored property map.
func SegmentFromMap(m map[string]interface{}) (SegmentProps, error) {
	s := SegmentProps{RoiInfo: make(RoiInfo), Extra: make(map[string]interface{})}
	if _, found := m[BodyIDKey]; !found {
		return s, fmt.Errorf("segment properties lack %q", BodyIDKey)
	}
	for _, key := range sortedKeys(m) {
		if err := s.set(key, m[key]); err != nil {
			return s, fmt.Errorf("segment property %q: %v", key, err)
		}
	}
	return s, nil
}

// CombineSegments folds the records of segments being merged into one.  The first
// record has priority: a property takes the value of the first record that has it.
// Synapse counts and size are summed and roiInfo is added per ROI.
func CombineSegments(segs []SegmentProps) (SegmentProps, error) {
	if len(segs) == 0 {
		return SegmentProps{}, NewError(InvalidArgument, "no segments to combine")
	}
	out := segs[0].Copy()
	out.Pre, out.Post, out.Size = 0, 0, 0
	out.RoiInfo = make(RoiInfo)
	for i, seg := range segs {
		out.Pre += seg.Pre
		out.Post += seg.Post
		out.Size += seg.Size
		out.RoiInfo.Add(seg.RoiInfo)
		if i == 0 {
			continue
		}
		if out.Status == "" {
			out.Status = seg.Status
		}
		if out.StatusLabel == "" {
			out.StatusLabel = seg.StatusLabel
		}
		for k, v := range seg.Extra {
			if _, found := out.Extra[k]; !found {
				out.Extra[k] = v
			}
		}
	}
	return out, nil
}

// SubtractSegment returns a with the synapse counts and roiInfo of b removed.  Negative
// counts or a ROI missing from a are an InvariantViolation.
func SubtractSegment(a, b SegmentProps) (SegmentProps, error) {
	out := a.Copy()
	out.Pre -= b.Pre
	out.Post -= b.Post
	if out.Pre < 0 || out.Post < 0 {
		return out, NewError(InvariantViolation, "body %d has pre %d, post %d; can't remove pre %d, post %d",
			a.BodyID, a.Pre, a.Post, b.Pre, b.Post)
	}
	var err error
	if out.RoiInfo, err = SubtractRois(a.RoiInfo, b.RoiInfo); err != nil {
		return out, err
	}
	return out, nil
}

// PruneRois removes boolean ROI flags for known ROIs that no longer appear in the
// segment's roiInfo.
func PruneRois(s *SegmentProps, knownRois []string) {
	for _, roi := range knownRois {
		if _, found := s.Extra[roi]; !found {
			continue
		}
		if c, found := s.RoiInfo[roi]; found && !c.IsZero() {
			continue
		}
		delete(s.Extra, roi)
	}
	for roi, c := range s.RoiInfo {
		if c.IsZero() {
			delete(s.RoiInfo, roi)
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
