package neuprint

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RoiCount holds the presynaptic and postsynaptic counts within one ROI.
type RoiCount struct {
	Pre  int64 `json:"pre"`
	Post int64 `json:"post"`
}

// IsZero returns true if both counts are zero.
func (c RoiCount) IsZero() bool {
	return c.Pre == 0 && c.Post == 0
}

// RoiInfo maps ROI name to pre/post counts for a segment or a connection.
type RoiInfo map[string]RoiCount

// Copy returns a deep copy that can be modified independently.
func (r RoiInfo) Copy() RoiInfo {
	out := make(RoiInfo, len(r))
	for roi, c := range r {
		out[roi] = c
	}
	return out
}

// Increment adds the given counts to one ROI.
func (r RoiInfo) Increment(roi string, pre, post int64) {
	c := r[roi]
	c.Pre += pre
	c.Post += post
	r[roi] = c
}

// Add adds every ROI count of other into r.
func (r RoiInfo) Add(other RoiInfo) {
	for roi, c := range other {
		r.Increment(roi, c.Pre, c.Post)
	}
}

// Names returns the sorted ROI names.
func (r RoiInfo) Names() []string {
	names := make([]string, 0, len(r))
	for roi := range r {
		names = append(names, roi)
	}
	sort.Strings(names)
	return names
}

// Equal returns true if both maps have the same non-zero counts.
func (r RoiInfo) Equal(other RoiInfo) bool {
	for roi, c := range r {
		if c.IsZero() {
			continue
		}
		if other[roi] != c {
			return false
		}
	}
	for roi, c := range other {
		if c.IsZero() {
			continue
		}
		if r[roi] != c {
			return false
		}
	}
	return true
}

func (r RoiInfo) String() string {
	s, err := r.MarshalString()
	if err != nil {
		return fmt.Sprintf("%v", map[string]RoiCount(r))
	}
	return s
}

// MarshalString returns the JSON string form that neuPrint stores on nodes and relations.
func (r RoiInfo) MarshalString() (string, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]RoiCount(r))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseRoiInfo decodes the JSON string form of a roiInfo property.  An empty string
// is an empty map.
func ParseRoiInfo(s string) (RoiInfo, error) {
	r := make(RoiInfo)
	if s == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("bad roiInfo %q: %v", s, err)
	}
	return r, nil
}

// roiInfoFromInterface accepts either the JSON string form or an already decoded map.
func roiInfoFromInterface(v interface{}) (RoiInfo, error) {
	switch t := v.(type) {
	case nil:
		return make(RoiInfo), nil
	case RoiInfo:
		return t.Copy(), nil
	case string:
		return ParseRoiInfo(t)
	case map[string]interface{}:
		r := make(RoiInfo, len(t))
		for roi, val := range t {
			m, ok := val.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("roiInfo entry %q is not a map: %v", roi, val)
			}
			pre, err := toInt64(m["pre"])
			if err != nil {
				return nil, fmt.Errorf("roiInfo %q pre: %v", roi, err)
			}
			post, err := toInt64(m["post"])
			if err != nil {
				return nil, fmt.Errorf("roiInfo %q post: %v", roi, err)
			}
			r[roi] = RoiCount{Pre: pre, Post: post}
		}
		return r, nil
	default:
		return nil, fmt.Errorf("can't convert %T into roiInfo", v)
	}
}

// CombineRois sums the per-ROI counts of every map.
func CombineRois(infos ...RoiInfo) RoiInfo {
	out := make(RoiInfo)
	for _, info := range infos {
		out.Add(info)
	}
	return out
}

// SubtractRois returns a - b per ROI.  A ROI whose pre and post both become zero is
// removed.  A ROI of b that a lacks, or a count that would become negative, means the
// stored aggregates are inconsistent and is reported as an InvariantViolation.
func SubtractRois(a, b RoiInfo) (RoiInfo, error) {
	out := a.Copy()
	for _, roi := range b.Names() {
		sub := b[roi]
		base, found := out[roi]
		if !found {
			if sub.IsZero() {
				continue
			}
			return nil, NewError(InvariantViolation, "can't subtract roi %q absent from base roiInfo %s", roi, a)
		}
		res := RoiCount{Pre: base.Pre - sub.Pre, Post: base.Post - sub.Post}
		if res.Pre < 0 || res.Post < 0 {
			return nil, NewError(InvariantViolation, "subtracting %+v from roi %q (%+v) gives negative counts", sub, roi, base)
		}
		if res.IsZero() {
			delete(out, roi)
		} else {
			out[roi] = res
		}
	}
	return out, nil
}
