package ingest

import "strings"

// assembler joins the lines of a JSON object that spans several lines.
type assembler struct {
	buf      strings.Builder
	depth    int
	inObject bool
}

// feed consumes one line. It returns a document once one is complete.
// A line outside an object is returned as its own document.
func (a *assembler) feed(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !a.inObject {
		if trimmed == "" {
			return "", false
		}
		if !strings.HasPrefix(trimmed, "{") {
			return trimmed, true
		}
		a.inObject = true
		a.buf.Reset()
		a.depth = 0
	}

	a.buf.WriteString(line)
	a.buf.WriteString("\n")
	a.depth += CountJSONDepth(line)
	if a.depth > 0 {
		return "", false
	}
	doc := strings.TrimSpace(a.buf.String())
	a.reset()
	return doc, true
}

// flush returns any partial object and resets.
func (a *assembler) flush() (string, bool) {
	if !a.inObject {
		return "", false
	}
	doc := strings.TrimSpace(a.buf.String())
	a.reset()
	return doc, true
}

func (a *assembler) reset() {
	a.inObject = false
	a.depth = 0
	a.buf.Reset()
}

// CountJSONDepth counts the net change in JSON nesting depth for a line.
func CountJSONDepth(line string) int {
	depth := 0
	inString := false
	escaped := false

	for _, char := range line {
		if escaped {
			escaped = false
			continue
		}

		switch char {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	return depth
}
