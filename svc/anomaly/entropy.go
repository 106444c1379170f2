package anomaly

import (
	"math"

	"floodgate/pkg/domain"
)

// Hash-like identifiers run close to 4 bits of entropy per character;
// mechanically generated signatures land well below that.
const charEntropyCeiling = 4.0

// entropyScore scores the distribution of client signatures inside the
// window. One distinct signature repeating is rated by how often it
// repeats and how mechanically flat the string itself looks; several
// signatures are rated by how far their spread is from uniform. The
// reported value is normalized to [0,1] in both cases so diagnostics
// read on one scale.
func entropyScore(events []domain.AnomalyEvent) (value, score float64) {
	counts := make(map[string]int, 8)
	for _, ev := range events {
		counts[ev.SignatureHash]++
	}
	if len(counts) == 1 {
		var sig string
		for s := range counts {
			sig = s
		}
		value = clamp01(charEntropy(sig) / charEntropyCeiling)
		repeat := clamp01(float64(len(events)-1) / 10)
		flat := 1 - value
		return value, clamp01(0.5*repeat + 0.5*flat)
	}

	total := float64(len(events))
	var h float64
	for _, n := range counts {
		p := float64(n) / total
		h -= p * math.Log2(p)
	}
	norm := h / math.Log2(float64(len(counts)))
	// 1.0 is a perfectly uniform spread; a single dominating signature
	// drives this toward zero, which is the suspicious end.
	return norm, clamp01(1 - norm)
}

// charEntropy is the character-level Shannon entropy of a single string,
// in bits per character.
func charEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int, 16)
	n := 0
	for _, r := range s {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
