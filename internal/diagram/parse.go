package diagram

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseError reports a malformed or unsupported Mermaid source.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("diagram: line %d: %s", e.Line, e.Msg)
	}
	return "diagram: " + e.Msg
}

// otherDiagramTypes are Mermaid headers this package recognizes but does
// not render.
var otherDiagramTypes = map[string]bool{
	"sequenceDiagram": true, "classDiagram": true, "stateDiagram": true,
	"stateDiagram-v2": true, "erDiagram": true, "gantt": true, "pie": true,
	"journey": true, "gitGraph": true, "mindmap": true, "timeline": true,
	"quadrantChart": true, "requirementDiagram": true, "C4Context": true,
	"sankey-beta": true, "xychart-beta": true, "block-beta": true,
}

var directions = map[string]Direction{
	"TB": DirectionTB, "TD": DirectionTB, "BT": DirectionBT,
	"LR": DirectionLR, "RL": DirectionRL,
}

var (
	// -->  --->  ---  -.->  -.-  ==>  ===  --o  --x, optionally bidirectional.
	linkRe = regexp.MustCompile(`^<?(?:-{2,}>|-{3,}|-\.+->|-\.+-|={2,}>|={3,}|--[ox]|==[ox])`)
	// -- text -->   -. text .->   == text ==>
	textLinkRe = regexp.MustCompile(`^<?(--|-\.|==)\s+(.+?)\s*(-{2,}>|-{3,}|\.+->|\.+-|={2,}>|={3,})`)
	pipeRe     = regexp.MustCompile(`^\s*\|([^|]*)\|`)
	classRe    = regexp.MustCompile(`^:::[\w-]+`)
	brRe       = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// diagramHeader returns the diagram keyword ("graph", "flowchart", another
// known type, or "" when the source starts with a statement) and the rest of
// the header line.
func diagramHeader(src string) (string, string) {
	for _, line := range strings.Split(stripFrontMatter(src), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		word, rest, _ := strings.Cut(line, " ")
		word = strings.TrimSuffix(word, ";")
		switch {
		case word == "graph" || word == "flowchart":
			return word, strings.TrimSpace(rest)
		case otherDiagramTypes[word]:
			return word, ""
		}
		return "", ""
	}
	return "", ""
}

// stripFrontMatter removes a leading `---` delimited block.
func stripFrontMatter(src string) string {
	_, body, _ := splitFrontMatter(src)
	return body
}

func splitFrontMatter(src string) (title, body string, lines int) {
	trimmed := strings.TrimLeft(src, " \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", src, 0
	}
	all := strings.Split(trimmed, "\n")
	for i := 1; i < len(all); i++ {
		line := strings.TrimSpace(all[i])
		if line == "---" {
			return title, strings.Join(all[i+1:], "\n"), i + 1
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(k) == "title" {
			title = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return "", src, 0
}

// ParseMermaid parses the flowchart subset of Mermaid into a DiagramModel:
// direction, node shapes, arrow/open/dotted/thick links with labels, chains,
// `&` groups, subgraphs and comments. classDef, class, style, linkStyle and
// click statements are accepted and ignored.
func ParseMermaid(src string) (*DiagramModel, error) {
	title, body, offset := splitFrontMatter(src)
	p := &parser{model: &DiagramModel{Title: title, Direction: DirectionTB}}

	sawHeader := false
	sawStatement := false
	for i, raw := range strings.Split(body, "\n") {
		p.line = offset + i + 1
		for _, stmt := range splitStatements(raw) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" || strings.HasPrefix(stmt, "%%") {
				continue
			}
			if !sawHeader && !sawStatement {
				sawHeader = true
				word, rest, _ := strings.Cut(stmt, " ")
				if word == "graph" || word == "flowchart" {
					if err := p.direction(strings.TrimSpace(rest)); err != nil {
						return nil, err
					}
					sawStatement = true
					continue
				}
				if otherDiagramTypes[word] {
					return nil, p.errorf("unsupported diagram type %q", word)
				}
			}
			sawStatement = true
			if err := p.statement(stmt); err != nil {
				return nil, err
			}
		}
	}
	if !sawStatement {
		return nil, &ParseError{Msg: "empty diagram source"}
	}
	if len(p.stack) > 0 {
		return nil, p.errorf("subgraph %q is never closed", p.stack[len(p.stack)-1].ID)
	}
	return p.model, nil
}

type parser struct {
	model *DiagramModel
	stack []*SubGraph
	line  int
	anon  int
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) direction(s string) error {
	if s == "" {
		return nil
	}
	d, ok := directions[strings.ToUpper(s)]
	if !ok {
		return p.errorf("unknown direction %q", s)
	}
	p.model.Direction = d
	return nil
}

func (p *parser) statement(stmt string) error {
	word, rest, _ := strings.Cut(stmt, " ")
	switch {
	case word == "subgraph":
		return p.openSubgraph(strings.TrimSpace(rest))
	case stmt == "end":
		if len(p.stack) == 0 {
			return p.errorf("end without subgraph")
		}
		p.stack = p.stack[:len(p.stack)-1]
		return nil
	case word == "direction" && len(p.stack) > 0:
		return nil
	case isDirective(stmt + " "):
		return nil
	}
	return p.chain(stmt)
}

func (p *parser) openSubgraph(rest string) error {
	p.anon++
	sg := &SubGraph{}
	switch {
	case rest == "":
		sg.ID = fmt.Sprintf("subgraph_%d", p.anon)
		sg.Label = sg.ID
	case isQuoted(rest):
		sg.Label = rest[1 : len(rest)-1]
		sg.ID = fmt.Sprintf("subgraph_%d", p.anon)
	default:
		id, n := scanID(rest, 0)
		tail := strings.TrimSpace(rest[n:])
		switch {
		case id != "" && strings.HasPrefix(tail, "[") && strings.HasSuffix(tail, "]"):
			sg.ID = id
			sg.Label = unquote(tail[1 : len(tail)-1])
		case id != "" && tail == "":
			sg.ID, sg.Label = id, id
		default:
			sg.ID = fmt.Sprintf("subgraph_%d", p.anon)
			sg.Label = rest
		}
	}
	p.model.SubGraphs = append(p.model.SubGraphs, sg)
	p.stack = append(p.stack, sg)
	return nil
}

// chain parses `group (link group)*` where a group is `node (& node)*`.
func (p *parser) chain(stmt string) error {
	prev, i, err := p.group(stmt, 0)
	if err != nil {
		return err
	}
	for {
		i = skipSpace(stmt, i)
		if i >= len(stmt) {
			return nil
		}
		style, label, next, ok := parseLink(stmt, i)
		if !ok {
			return p.errorf("unexpected %q", stmt[i:])
		}
		var cur []string
		cur, i, err = p.group(stmt, skipSpace(stmt, next))
		if err != nil {
			return err
		}
		for _, from := range prev {
			for _, to := range cur {
				p.model.Edges = append(p.model.Edges, Edge{From: from, To: to, Label: label, Style: style})
			}
		}
		prev = cur
	}
}

func (p *parser) group(stmt string, i int) ([]string, int, error) {
	var ids []string
	for {
		id, next, err := p.node(stmt, i)
		if err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
		j := skipSpace(stmt, next)
		if j < len(stmt) && stmt[j] == '&' {
			i = skipSpace(stmt, j+1)
			continue
		}
		return ids, next, nil
	}
}

func (p *parser) node(stmt string, i int) (string, int, error) {
	id, n := scanID(stmt, i)
	if id == "" {
		if i >= len(stmt) {
			return "", 0, p.errorf("statement ends where a node was expected")
		}
		return "", 0, p.errorf("expected node id at %q", stmt[i:])
	}
	i += n
	d, ok := delimAt(stmt, i)
	if !ok {
		p.declare(id, "", "", false)
		return id, p.skipClass(stmt, i), nil
	}
	raw, end, ok := labelSpan(stmt, i+len(d.open), d)
	if !ok {
		return "", 0, p.errorf("node %q: unterminated label", id)
	}
	label, err := p.label(id, raw)
	if err != nil {
		return "", 0, err
	}
	p.declare(id, label, d.shape, true)
	return id, p.skipClass(stmt, end), nil
}

// label validates and unquotes a raw node label.
func (p *parser) label(id, raw string) (string, error) {
	if isQuoted(raw) {
		inner := raw[1 : len(raw)-1]
		if strings.Contains(inner, `"`) {
			return "", p.errorf("node %q: stray quote in label", id)
		}
		return brRe.ReplaceAllString(inner, "\n"), nil
	}
	if k := strings.IndexAny(raw, `"[]{}`+unsafeLabelChars); k >= 0 {
		return "", p.errorf("node %q: unquoted label contains %q", id, raw[k])
	}
	return strings.TrimSpace(raw), nil
}

func (p *parser) skipClass(stmt string, i int) int {
	if loc := classRe.FindStringIndex(stmt[i:]); loc != nil {
		return i + loc[1]
	}
	return i
}

// declare registers a node. An explicit declaration updates the label and
// shape of a node first seen as a bare reference.
func (p *parser) declare(id, label string, shape NodeShape, explicit bool) {
	n := p.model.Node(id)
	if n == nil {
		n = &Node{ID: id, Label: id, Shape: ShapeRect}
		p.model.Nodes = append(p.model.Nodes, n)
	}
	if explicit {
		if label != "" {
			n.Label = label
		}
		n.Shape = shape
	}
	if len(p.stack) > 0 {
		sg := p.stack[len(p.stack)-1]
		for _, existing := range sg.NodeIDs {
			if existing == id {
				return
			}
		}
		sg.NodeIDs = append(sg.NodeIDs, id)
	}
}

func parseLink(stmt string, i int) (EdgeStyle, string, int, bool) {
	rest := stmt[i:]
	if m := textLinkRe.FindStringSubmatchIndex(rest); m != nil {
		label := strings.TrimSpace(rest[m[4]:m[5]])
		return linkStyle(rest[m[6]:m[7]]), label, i + m[1], true
	}
	loc := linkRe.FindStringIndex(rest)
	if loc == nil {
		return "", "", 0, false
	}
	style := linkStyle(rest[:loc[1]])
	next := i + loc[1]
	if m := pipeRe.FindStringSubmatchIndex(stmt[next:]); m != nil {
		label := strings.TrimSpace(stmt[next+m[2] : next+m[3]])
		return style, unquote(label), next + m[1], true
	}
	return style, "", next, true
}

func linkStyle(tok string) EdgeStyle {
	switch {
	case strings.Contains(tok, "."):
		return EdgeDotted
	case strings.Contains(tok, "="):
		return EdgeThick
	case strings.HasSuffix(tok, ">") || strings.HasSuffix(tok, "o") || strings.HasSuffix(tok, "x"):
		return EdgeArrow
	}
	return EdgeOpen
}

func scanID(s string, i int) (string, int) {
	j := i
	for j < len(s) && isIDByte(s[j]) {
		j++
	}
	return s[i:j], j - i
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\r') {
		i++
	}
	return i
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

// splitStatements splits a line on semicolons that sit outside labels.
func splitStatements(line string) []string {
	var out []string
	depth, start := 0, 0
	inQuote, inPipe := false, false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '|':
			inPipe = !inPipe
		case inPipe:
		case c == '[' || c == '(' || c == '{':
			depth++
		case c == ']' || c == ')' || c == '}':
			if depth > 0 {
				depth--
			}
		case c == ';' && depth == 0:
			out = append(out, line[start:i])
			start = i + 1
		}
	}
	return append(out, line[start:])
}
