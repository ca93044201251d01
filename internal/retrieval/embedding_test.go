package retrieval

import (
	"testing"
)

func TestSerializeEmbedding(t *testing.T) {
	tests := []struct {
		in   []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{0.1, 0.2}, "[0.1,0.2]"},
		{[]float32{-1, 0, 2.5}, "[-1,0,2.5]"},
	}
	for _, tt := range tests {
		if got := SerializeEmbedding(tt.in); got != tt.want {
			t.Errorf("SerializeEmbedding(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseEmbedding(t *testing.T) {
	got, err := ParseEmbedding(" [ 0.1, -0.25 ,3e-2 ] ")
	if err != nil {
		t.Fatalf("ParseEmbedding: %v", err)
	}
	want := []float32{0.1, -0.25, 0.03}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	empty, err := ParseEmbedding("[]")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("ParseEmbedding([]) = %v, %v; want empty non-nil slice", empty, err)
	}
}

func TestParseEmbedding_Invalid(t *testing.T) {
	for _, in := range []string{"", "0.1,0.2", "[0.1,0.2", "[0.1,,0.2]", "[abc]", "[NaN]", "[Inf]", "[1e39]"} {
		if _, err := ParseEmbedding(in); err == nil {
			t.Errorf("ParseEmbedding(%q) succeeded, want error", in)
		}
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	v := []float32{0.123456789, -3.5e-7, 42, 1.0 / 3.0}
	got, err := ParseEmbedding(SerializeEmbedding(v))
	if err != nil {
		t.Fatalf("ParseEmbedding: %v", err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("round trip [%d] = %v, want %v", i, got[i], v[i])
		}
	}
}
