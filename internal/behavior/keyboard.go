package behavior

import "unicode"

var qwertyRows = []string{
	"1234567890",
	"qwertyuiop",
	"asdfghjkl",
	"zxcvbnm",
}

var neighbors = buildNeighbors()

func buildNeighbors() map[rune]rune {
	out := make(map[rune]rune)
	for _, row := range qwertyRows {
		keys := []rune(row)
		for i, k := range keys {
			switch {
			case i+1 < len(keys):
				out[k] = keys[i+1]
			case i > 0:
				out[k] = keys[i-1]
			}
		}
	}
	return out
}

// neighborKey returns an adjacent QWERTY key for r, preserving case.
func neighborKey(r rune) (rune, bool) {
	lower := unicode.ToLower(r)
	n, ok := neighbors[lower]
	if !ok {
		return 0, false
	}
	if unicode.IsUpper(r) {
		n = unicode.ToUpper(n)
	}
	return n, true
}
