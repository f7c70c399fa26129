package chat

import "strings"

// ExtractScore reports whether a message body is a bare satisfaction score.
// The entire trimmed body must be one or two digits forming an integer in
// [0,10]; any surrounding text disqualifies it, and so do larger numbers
// like "75".
func ExtractScore(body string) (int, bool) {
	s := strings.TrimSpace(body)
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n > 10 {
		return 0, false
	}
	return n, true
}
