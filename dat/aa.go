package dat

import "strings"

const (
	artMinBreaks = 4
	artThreshold = 0.6
)

// IsArt reports whether body looks like ASCII art rather than prose: at least
// four line breaks and more than 60% of runes outside the letter/digit/kana/
// kanji set.
func IsArt(body string) bool {
	if strings.Count(body, "\n") < artMinBreaks {
		return false
	}
	var total, significant int
	for _, r := range body {
		total++
		if significantRune(r) {
			significant++
		}
	}
	if total == 0 {
		return false
	}
	return 1-float64(significant)/float64(total) > artThreshold
}

func significantRune(r rune) bool {
	switch {
	case r == '\n', r == '\r', r == '>':
		return true
	case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r >= '０' && r <= '９', r >= 'ａ' && r <= 'ｚ', r >= 'Ａ' && r <= 'Ｚ':
		return true
	case r >= 'ぁ' && r <= 'ん', r >= 'ァ' && r <= 'ン':
		return true
	case r >= '一' && r <= '龠':
		return true
	}
	return false
}
