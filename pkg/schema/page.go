package schema

// PageDescriptor is one canonical entry in the documentation tree.
type PageDescriptor struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Filename string            `json:"filename,omitempty"`
	Files    []string          `json:"files,omitempty"`
	Children []*PageDescriptor `json:"children,omitempty"`
}

// Section is one heading/body pair of a content document.
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// PageContent is a normalized content document.
// Intro and Sections are never serialized JSON strings once produced by the
// payload parser.
type PageContent struct {
	Intro    string    `json:"intro"`
	Sections []Section `json:"sections"`
	Mermaid  string    `json:"mermaid"`
}

// EmptyContent returns the zero-value content with a non-nil section list.
func EmptyContent() PageContent {
	return PageContent{Sections: []Section{}}
}
