package llama

import "testing"

func TestStreamDecoderSplitRune(t *testing.T) {
	d := &StreamDecoder{}

	euro := []byte("€") // E2 82 AC

	piece, ok := d.Push(euro[:1])
	if ok {
		t.Fatalf("expected no piece from a lone leading byte, got %q", piece)
	}

	piece, ok = d.Push(euro[1:2])
	if ok {
		t.Fatalf("expected no piece before the sequence completes, got %q", piece)
	}

	piece, ok = d.Push(euro[2:])
	if !ok || piece != "€" {
		t.Fatalf("expected completed euro sign, got %q ok=%v", piece, ok)
	}
}

func TestStreamDecoderAsciiPassesThrough(t *testing.T) {
	d := &StreamDecoder{}
	piece, ok := d.Push([]byte("hello"))
	if !ok || piece != "hello" {
		t.Fatalf("got %q ok=%v", piece, ok)
	}
}

func TestStreamDecoderFlushIdempotent(t *testing.T) {
	d := &StreamDecoder{}
	euro := []byte("€")
	d.Push(euro[:2])

	piece, ok := d.Flush()
	if !ok || piece == "" {
		t.Fatalf("expected a residual flush, got %q ok=%v", piece, ok)
	}

	piece, ok = d.Flush()
	if ok || piece != "" {
		t.Fatalf("second flush should be a no-op, got %q ok=%v", piece, ok)
	}
}

func TestApplyRepeatPenalty(t *testing.T) {
	logits := []float32{1.0, -1.0, 2.0}
	ApplyRepeatPenalty(logits, []Token{0, 1}, 2.0)

	if logits[0] != 0.5 {
		t.Errorf("positive logit should be divided: got %v", logits[0])
	}
	if logits[1] != -2.0 {
		t.Errorf("negative logit should be multiplied: got %v", logits[1])
	}
	if logits[2] != 2.0 {
		t.Errorf("untouched logit should be unchanged: got %v", logits[2])
	}
}

func TestSamplerDeterministic(t *testing.T) {
	logits := []float32{0.1, 0.2, 5.0, 0.05, 0.3}

	a := NewSampler().Sample(append([]float32{}, logits...))
	b := NewSampler().Sample(append([]float32{}, logits...))

	if a != b {
		t.Fatalf("same seed should produce same token: %v != %v", a, b)
	}
}
