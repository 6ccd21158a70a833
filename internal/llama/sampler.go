package llama

import (
	"math"
	"math/rand"
	"sort"
)

// Sampler draws the next token from a logits vector using top-p (nucleus)
// sampling with temperature, applied pre-normalization. A fixed RNG seed
// makes two runs over the same logits produce identical token sequences.
type Sampler struct {
	rng         *rand.Rand
	p           float64
	temperature float64
}

// NewSampler constructs the pinned sampler: seed 42, p 0.9, temperature 0.7.
func NewSampler() *Sampler {
	return &Sampler{
		rng:         rand.New(rand.NewSource(42)),
		p:           0.9,
		temperature: 0.7,
	}
}

// ApplyRepeatPenalty divides the logit of every token present in recent by
// penalty if its logit is positive, and multiplies by penalty if negative —
// the standard repetition penalty formulation. Mutates logits in place and
// also returns it.
func ApplyRepeatPenalty(logits []float32, recent []Token, penalty float32) []float32 {
	if penalty == 1 || len(recent) == 0 {
		return logits
	}
	seen := make(map[Token]struct{}, len(recent))
	for _, t := range recent {
		seen[t] = struct{}{}
	}
	for t := range seen {
		if int(t) < 0 || int(t) >= len(logits) {
			continue
		}
		v := logits[t]
		if v > 0 {
			logits[t] = v / penalty
		} else {
			logits[t] = v * penalty
		}
	}
	return logits
}

// Sample draws one token id from logits.
func (s *Sampler) Sample(logits []float32) Token {
	if s.temperature <= 0 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	invTemp := 1.0 / s.temperature
	maxLogit := float64(math.Inf(-1))
	for i, v := range logits {
		x := float64(v) * invTemp
		scaled[i] = x
		if x > maxLogit {
			maxLogit = x
		}
	}

	probs := make([]float64, len(scaled))
	var sum float64
	for i, x := range scaled {
		p := math.Exp(x - maxLogit)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	var cum float64
	cutoff := len(order)
	for i, idx := range order {
		cum += probs[idx]
		if cum >= s.p {
			cutoff = i + 1
			break
		}
	}
	nucleus := order[:cutoff]

	var nucleusSum float64
	for _, idx := range nucleus {
		nucleusSum += probs[idx]
	}

	draw := s.rng.Float64() * nucleusSum
	var acc float64
	for _, idx := range nucleus {
		acc += probs[idx]
		if draw <= acc {
			return Token(idx)
		}
	}
	return Token(nucleus[len(nucleus)-1])
}

func argmax(logits []float32) Token {
	best := Token(0)
	bestVal := float32(math.Inf(-1))
	for i, v := range logits {
		if v > bestVal {
			bestVal = v
			best = Token(i)
		}
	}
	return best
}
