package waiting

import "strings"

// matchImmediate reports whether any immediate pattern matches the joined
// output lines.
func (cp compiledPatterns) matchImmediate(lines []string) bool {
	joined := strings.Join(lines, "\n")
	for _, re := range cp.immediate {
		if re.MatchString(joined) {
			return true
		}
	}
	return false
}

// matchQuestion reports whether any question pattern matches.
func (cp compiledPatterns) matchQuestion(lines []string) bool {
	joined := strings.Join(lines, "\n")
	for _, re := range cp.question {
		if re.MatchString(joined) {
			return true
		}
	}
	return false
}
