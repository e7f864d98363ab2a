package vectorindex

import (
	"math"
	"testing"
)

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, math.MaxFloat32}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("decoded %d values, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d: got %v, want %v", i, out[i], in[i])
		}
	}
	if len(encodeVector(in)) != 4*len(in) {
		t.Errorf("encoded length: got %d", len(encodeVector(in)))
	}
	if encodeVector(nil) != nil || decodeVector(nil) != nil {
		t.Error("empty input must encode and decode to nil")
	}
}

func TestCosineDistance(t *testing.T) {
	if d := cosineDistance([]float32{1, 0}, []float32{1, 0}); math.Abs(d) > 1e-9 {
		t.Errorf("identical vectors: got %v, want 0", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{0, 1}); math.Abs(d-1) > 1e-9 {
		t.Errorf("orthogonal vectors: got %v, want 1", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{-1, 0}); math.Abs(d-2) > 1e-9 {
		t.Errorf("opposite vectors: got %v, want 2", d)
	}
	if d := cosineDistance([]float32{1}, []float32{1, 0}); d != 2 {
		t.Errorf("mismatched lengths: got %v, want 2", d)
	}
	if d := cosineDistance([]float32{0, 0}, []float32{1, 0}); d != 2 {
		t.Errorf("zero vector: got %v, want 2", d)
	}
}

func TestScopeFilter(t *testing.T) {
	where, args := scopeFilter([]Scope{Unrestricted("a"), {ConversationID: "b", Visible: 3}},
		func(int) string { return "?" })
	want := "(conversation_id = ?) OR (conversation_id = ? AND start_msg_index < ?)"
	if where != want {
		t.Errorf("where: got %q, want %q", where, want)
	}
	if len(args) != 3 || args[0] != "a" || args[1] != "b" || args[2] != 3 {
		t.Errorf("args: got %v", args)
	}
}
