package classify

import "strings"

const toolOpen = "[tool:"

// findToolMarker locates the first "[tool: <word>]" marker in lower and
// returns the marker bounds and the word bounds.
func findToolMarker(lower string) (start, end, wordStart, wordEnd int, ok bool) {
	from := 0
	for {
		i := strings.Index(lower[from:], toolOpen)
		if i < 0 {
			return 0, 0, 0, 0, false
		}
		start = from + i
		j := start + len(toolOpen)
		for j < len(lower) && (lower[j] == ' ' || lower[j] == '\t') {
			j++
		}
		wordStart = j
		for j < len(lower) && isWordByte(lower[j]) {
			j++
		}
		wordEnd = j
		if wordEnd > wordStart && j < len(lower) && lower[j] == ']' {
			return start, j + 1, wordStart, wordEnd, true
		}
		from = start + 1
	}
}

func matchTool(line, lower string) (string, bool) {
	_, _, ws, we, ok := findToolMarker(lower)
	if !ok {
		return "", false
	}
	return line[ws:we], true
}

func removeToolMarker(line string) string {
	start, end, _, _, ok := findToolMarker(lowerASCII(line))
	if !ok {
		return line
	}
	return line[:start] + line[end:]
}

// stripFeaturePrefix removes a leading "[Feature #N]" and the whitespace
// after it.
func stripFeaturePrefix(line string) string {
	rest := strings.TrimLeft(line, " \t")
	const open = "[feature #"
	if len(rest) < len(open) || lowerASCII(rest[:len(open)]) != open {
		return line
	}
	j := len(open)
	digits := j
	for j < len(rest) && isDigit(rest[j]) {
		j++
	}
	if j == digits || j >= len(rest) || rest[j] != ']' {
		return line
	}
	return strings.TrimLeft(rest[j+1:], " \t")
}

func isRateLimit(lower string) bool {
	return containsJoined(lower, "rate", "limit", true) ||
		strings.Contains(lower, "too many requests") ||
		containsNumber(lower, "429") ||
		containsJoined(lower, "retry", "after", false)
}

func isAPIError(lower string) bool {
	if containsJoined(lower, "api", "error", true) ||
		strings.Contains(lower, "request failed") ||
		strings.Contains(lower, "connection error") ||
		strings.Contains(lower, "ssl error") {
		return true
	}
	return strings.Contains(lower, "timeout") && strings.Contains(lower, "api")
}

func isUsage(lower string) bool {
	for _, p := range []string{"total cost", "cost:", "api usage", "session cost"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// containsJoined reports whether a is followed by b with exactly one
// separator (space, hyphen or underscore) between them. With optionalSep the
// separator may also be absent.
func containsJoined(lower, a, b string, optionalSep bool) bool {
	from := 0
	for {
		i := strings.Index(lower[from:], a)
		if i < 0 {
			return false
		}
		j := from + i + len(a)
		if optionalSep && strings.HasPrefix(lower[j:], b) {
			return true
		}
		if j < len(lower) && isSeparator(lower[j]) && strings.HasPrefix(lower[j+1:], b) {
			return true
		}
		from = from + i + 1
	}
}

// containsNumber reports whether n appears in lower not embedded in a longer
// run of digits.
func containsNumber(lower, n string) bool {
	from := 0
	for {
		i := strings.Index(lower[from:], n)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(n)
		before := start == 0 || !isDigit(lower[start-1])
		after := end == len(lower) || !isDigit(lower[end])
		if before && after {
			return true
		}
		from = start + 1
	}
}

func isSeparator(c byte) bool {
	return c == ' ' || c == '-' || c == '_'
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func isWordByte(c byte) bool {
	return isDigit(c) || c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
