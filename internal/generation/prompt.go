package generation

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// DefaultPersona is the system prompt used when a request sets none.
const DefaultPersona = "You are a helpful assistant. Answer the question using only the " +
	"information in the provided documents. If the documents do not contain the answer, " +
	"say that you do not know."

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

// Document is one retrieved source.
type Document struct {
	Title   string
	Content string
}

type xmlDocuments struct {
	XMLName   xml.Name      `xml:"documents"`
	Documents []xmlDocument `xml:"document"`
}

type xmlDocument struct {
	Index   int    `xml:"index,attr"`
	Title   string `xml:"title"`
	Content string `xml:"content"`
}

// RenderDocuments renders docs, in the given order, as an XML <documents>
// block. Content is escaped so document text cannot close the block.
func RenderDocuments(docs []Document) (string, error) {
	block := xmlDocuments{Documents: make([]xmlDocument, len(docs))}
	for i, d := range docs {
		block.Documents[i] = xmlDocument{Index: i + 1, Title: d.Title, Content: d.Content}
	}
	out, err := xml.MarshalIndent(block, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering documents: %w", err)
	}
	return string(out), nil
}

// BuildPrompt assembles a grounded prompt. docs must already be in
// descending relevance order. An empty persona uses DefaultPersona and a
// negative temperature uses DefaultTemperature.
func BuildPrompt(persona, question string, docs []Document, temperature float64) (Prompt, error) {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	if temperature < 0 {
		temperature = DefaultTemperature
	}
	rendered, err := RenderDocuments(docs)
	if err != nil {
		return Prompt{}, err
	}

	var b strings.Builder
	b.WriteString("Here are the documents relevant to the question:\n\n")
	b.WriteString(rendered)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)

	return Prompt{
		System:      persona,
		User:        b.String(),
		Documents:   docs,
		Question:    question,
		Temperature: temperature,
		MaxTokens:   DefaultMaxTokens,
	}, nil
}
