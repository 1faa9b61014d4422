package neuprint

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"testing"
)

func TestPointBytesOrdering(t *testing.T) {
	pts := []Point3d{{5, 0, 0}, {-1, 0, 0}, {0, 0, -3}, {0, 2, 0}, {0, 0, 9}}
	sort.Slice(pts, func(i, j int) bool {
		return bytes.Compare(pts[i].Bytes(), pts[j].Bytes()) < 0
	})
	expected := []Point3d{{0, 0, -3}, {-1, 0, 0}, {5, 0, 0}, {0, 2, 0}, {0, 0, 9}}
	for i := range pts {
		if pts[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, pts)
		}
	}
	for _, pt := range pts {
		back, err := PointFromBytes(pt.Bytes())
		if err != nil || back != pt {
			t.Errorf("expected %s from bytes, got %s (%v)", pt, back, err)
		}
	}
}

func TestPointFromInterface(t *testing.T) {
	var decoded []interface{}
	if err := json.Unmarshal([]byte(`[10, 20, 30]`), &decoded); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		in    interface{}
		fails bool
	}{
		{"json array", decoded, false},
		{"int64 slice", []int64{10, 20, 30}, false},
		{"map", map[string]interface{}{"x": int64(10), "y": int64(20), "z": int64(30)}, false},
		{"string", "10,20,30", false},
		{"short array", []interface{}{1.0, 2.0}, true},
		{"fraction", []interface{}{1.5, 2.0, 3.0}, true},
		{"bool", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := PointFromInterface(tt.in)
			if tt.fails {
				if err == nil {
					t.Errorf("expected error for %v", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pt != (Point3d{10, 20, 30}) {
				t.Errorf("expected (10,20,30), got %s", pt)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := WithOp("split", NewError(NotFound, "body %d", 5))
	if !errors.Is(err, NotFound) || errors.Is(err, InvalidArgument) {
		t.Errorf("bad kind matching for %v", err)
	}
	if err.Error() != "split NotFound: body 5" {
		t.Errorf("unexpected message %q", err.Error())
	}
	wrapped := WrapError(TransactionFailure, err)
	if KindOf(wrapped) != NotFound {
		t.Errorf("WrapError should keep an existing kind, got %s", KindOf(wrapped))
	}
	plain := WrapError(TransactionFailure, errors.New("disk full"))
	if !errors.Is(plain, TransactionFailure) {
		t.Errorf("expected TransactionFailure, got %v", plain)
	}
	if KindOf(errors.New("x")) != UnknownKind {
		t.Errorf("plain error should have unknown kind")
	}
}
