package diagram

import (
	"strings"
)

// unsafeLabelChars break the Mermaid grammar when they appear in an
// unquoted node label.
const unsafeLabelChars = `/()@#&<>`

// labelDelim is one node-shape delimiter pair. Two-character delimiters are
// listed first so that the longest opener wins.
type labelDelim struct {
	open, close string
	shape       NodeShape
}

var labelDelims = []labelDelim{
	{"([", "])", ShapeStadium},
	{"((", "))", ShapeCircle},
	{"[[", "]]", ShapeSubroutine},
	{"{{", "}}", ShapeHexagon},
	{"[", "]", ShapeRect},
	{"(", ")", ShapeRound},
	{"{", "}", ShapeDiamond},
}

// directiveKeywords start lines whose brackets are not node labels.
var directiveKeywords = []string{"%%", "classDef ", "class ", "style ", "linkStyle ", "click "}

// repairReplacer substitutes characters that the grammar rejects inside a
// label with a textual placeholder.
var repairReplacer = strings.NewReplacer(
	`"`, "",
	"/", " or ",
	"&", " and ",
	"<", "lt",
	">", "gt",
	"#", "no.",
	"@", " at ",
	"(", "",
	")", "",
	"[", "",
	"]", "",
	"{", "",
	"}", "",
)

// Prepare applies the textual fixes every render attempt starts from:
// literal `\n` sequences become newlines, and node labels that contain
// grammar-breaking characters are wrapped in double quotes. Labels that are
// already quoted are left alone, so Prepare(Prepare(s)) == Prepare(s).
func Prepare(src string) string {
	src = strings.ReplaceAll(src, `\n`, "\n")
	if !isFlowchartSource(src) {
		return src
	}
	return rewriteLines(src, quoteLabel, nil)
}

// Repair is the aggressive pass used for the second render attempt. Inside
// node and edge labels it drops quotes and replaces every character the
// grammar may reject with a textual placeholder.
func Repair(src string) string {
	src = strings.ReplaceAll(src, `\n`, "\n")
	if !isFlowchartSource(src) {
		return src
	}
	return rewriteLines(src, scrubLabel, scrubLabel)
}

func quoteLabel(label string) string {
	if isQuoted(label) || !strings.ContainsAny(label, unsafeLabelChars) {
		return label
	}
	return `"` + label + `"`
}

func scrubLabel(label string) string {
	label = strings.ReplaceAll(label, "<br/>", " ")
	label = strings.ReplaceAll(label, "<br>", " ")
	return strings.Join(strings.Fields(repairReplacer.Replace(label)), " ")
}

func isQuoted(label string) bool {
	return len(label) >= 2 && label[0] == '"' && label[len(label)-1] == '"'
}

// rewriteLines applies nodeFn to every node label and edgeFn (when non-nil)
// to every |pipe| edge label, leaving everything else byte-for-byte intact.
func rewriteLines(src string, nodeFn, edgeFn func(string) string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isDirective(trimmed) {
			continue
		}
		lines[i] = rewriteLabels(line, nodeFn, edgeFn)
	}
	return strings.Join(lines, "\n")
}

func isDirective(trimmed string) bool {
	for _, kw := range directiveKeywords {
		if strings.HasPrefix(trimmed, kw) {
			return true
		}
	}
	return false
}

func rewriteLabels(line string, nodeFn, edgeFn func(string) string) string {
	var b strings.Builder
	b.Grow(len(line) + 8)
	i := 0
	for i < len(line) {
		c := line[i]
		if c == '|' {
			j := strings.IndexByte(line[i+1:], '|')
			if j < 0 {
				b.WriteString(line[i:])
				break
			}
			label := line[i+1 : i+1+j]
			if edgeFn != nil {
				label = edgeFn(label)
			}
			b.WriteByte('|')
			b.WriteString(label)
			b.WriteByte('|')
			i += j + 2
			continue
		}
		if isIDByte(c) && (i == 0 || !isIDByte(line[i-1])) {
			j := i
			for j < len(line) && isIDByte(line[j]) {
				j++
			}
			b.WriteString(line[i:j])
			if d, ok := delimAt(line, j); ok {
				if label, end, ok := labelSpan(line, j+len(d.open), d); ok {
					b.WriteString(d.open)
					b.WriteString(nodeFn(label))
					b.WriteString(d.close)
					i = end
					continue
				}
			}
			i = j
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// isIDByte reports whether c can be part of a node id. Bytes of multi-byte
// UTF-8 sequences are accepted so that non-ASCII ids survive.
func isIDByte(c byte) bool {
	return c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func delimAt(line string, i int) (labelDelim, bool) {
	for _, d := range labelDelims {
		if strings.HasPrefix(line[i:], d.open) {
			return d, true
		}
	}
	return labelDelim{}, false
}

// labelSpan returns the raw label starting at start (just past the opener)
// and the index just past the closer. A label that opens with a quote runs
// to the first quote-plus-closer; otherwise single-character delimiters nest.
func labelSpan(line string, start int, d labelDelim) (string, int, bool) {
	rest := line[start:]
	if strings.HasPrefix(rest, `"`) {
		if k := strings.Index(rest[1:], `"`+d.close); k >= 0 {
			return rest[:k+2], start + k + 2 + len(d.close), true
		}
	}
	if len(d.close) == 2 {
		k := strings.Index(rest, d.close)
		if k < 0 {
			return "", 0, false
		}
		return rest[:k], start + k + 2, true
	}
	depth := 1
	for k := 0; k < len(rest); k++ {
		switch rest[k] {
		case d.open[0]:
			depth++
		case d.close[0]:
			depth--
			if depth == 0 {
				return rest[:k], start + k + 1, true
			}
		}
	}
	return "", 0, false
}

// isFlowchartSource reports whether the source is a flowchart (or has no
// recognizable header at all). Other diagram types pass through untouched.
func isFlowchartSource(src string) bool {
	kind, _ := diagramHeader(src)
	return kind == "" || kind == "graph" || kind == "flowchart"
}
