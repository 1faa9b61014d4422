package neuprint

import (
	"errors"
	"testing"
)

func TestCombineRois(t *testing.T) {
	a := RoiInfo{"EB": {Pre: 3, Post: 1}, "FB": {Pre: 2}}
	b := RoiInfo{"EB": {Pre: 1, Post: 4}, "PB": {Post: 5}}
	got := CombineRois(a, b)
	expected := RoiInfo{"EB": {Pre: 4, Post: 5}, "FB": {Pre: 2}, "PB": {Post: 5}}
	if !got.Equal(expected) {
		t.Errorf("expected %s, got %s", expected, got)
	}
	if a["EB"].Pre != 3 {
		t.Errorf("CombineRois modified its input: %s", a)
	}
}

func TestSubtractRois(t *testing.T) {
	tests := []struct {
		name     string
		a, b     RoiInfo
		expected RoiInfo
		kind     ErrorKind
	}{
		{
			name:     "partial subtraction",
			a:        RoiInfo{"EB": {Pre: 3, Post: 2}},
			b:        RoiInfo{"EB": {Pre: 1}},
			expected: RoiInfo{"EB": {Pre: 2, Post: 2}},
		},
		{
			name:     "zero result removes roi",
			a:        RoiInfo{"EB": {Pre: 3, Post: 2}, "FB": {Post: 1}},
			b:        RoiInfo{"EB": {Pre: 3, Post: 2}},
			expected: RoiInfo{"FB": {Post: 1}},
		},
		{
			name: "absent roi",
			a:    RoiInfo{"EB": {Pre: 3}},
			b:    RoiInfo{"FB": {Pre: 1}},
			kind: InvariantViolation,
		},
		{
			name: "negative count",
			a:    RoiInfo{"EB": {Pre: 1}},
			b:    RoiInfo{"EB": {Pre: 2}},
			kind: InvariantViolation,
		},
		{
			name:     "zero entry for absent roi is ignored",
			a:        RoiInfo{"EB": {Pre: 1}},
			b:        RoiInfo{"FB": {}},
			expected: RoiInfo{"EB": {Pre: 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubtractRois(tt.a, tt.b)
			if tt.kind != UnknownKind {
				if !errors.Is(err, tt.kind) {
					t.Fatalf("expected %s error, got %v", tt.kind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.expected) || !got.Equal(tt.expected) {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestRoiInfoString(t *testing.T) {
	r := RoiInfo{"EB": {Pre: 3, Post: 1}}
	s, err := r.MarshalString()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if s != `{"EB":{"pre":3,"post":1}}` {
		t.Errorf("unexpected roiInfo string %s", s)
	}
	back, err := ParseRoiInfo(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(r) {
		t.Errorf("expected %s after parse, got %s", r, back)
	}
	empty, err := ParseRoiInfo("")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty roiInfo for empty string, got %v, %v", empty, err)
	}
	if _, err := ParseRoiInfo("{bad"); err == nil {
		t.Errorf("expected error parsing bad roiInfo")
	}
}

func TestRoiInfoFromDecodedMap(t *testing.T) {
	m := map[string]interface{}{
		"EB": map[string]interface{}{"pre": float64(2)},
		"FB": map[string]interface{}{"pre": float64(1), "post": float64(7)},
	}
	got, err := roiInfoFromInterface(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := RoiInfo{"EB": {Pre: 2}, "FB": {Pre: 1, Post: 7}}
	if !got.Equal(expected) {
		t.Errorf("expected %s, got %s", expected, got)
	}
	if _, err := roiInfoFromInterface(42); err == nil {
		t.Errorf("expected error converting integer into roiInfo")
	}
}
