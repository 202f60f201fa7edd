package ocr

import (
	"strings"
	"unicode"
)

const (
	alnumWeight   = 0.4
	wordLenBonus  = 0.3
	keywordBonus  = 0.06
	keywordCap    = 0.3
	minAvgWordLen = 3.0
	maxAvgWordLen = 10.0
)

var domainKeywords = []string{"invoice", "date", "amount", "total", "vendor"}

// HeuristicConfidence scores decoded text in [0,1]: the alphanumeric share of
// non-space characters, a bonus for plausible average word length and a
// capped bonus per domain keyword present.
func HeuristicConfidence(text string) float32 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	var alnum, visible, letters int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		visible++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	for _, w := range words {
		letters += len([]rune(w))
	}

	score := alnumWeight * float64(alnum) / float64(visible)

	avg := float64(letters) / float64(len(words))
	if avg >= minAvgWordLen && avg <= maxAvgWordLen {
		score += wordLenBonus
	}

	lower := strings.ToLower(text)
	kw := 0.0
	for _, k := range domainKeywords {
		if strings.Contains(lower, k) {
			kw += keywordBonus
		}
	}
	if kw > keywordCap {
		kw = keywordCap
	}
	score += kw

	if score > 1.0 {
		score = 1.0
	}
	return float32(score)
}
