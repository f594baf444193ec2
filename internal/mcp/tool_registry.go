package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools for discovery.
type ToolCategory string

const (
	CategoryDocuments ToolCategory = "documents"
	CategoryQuery     ToolCategory = "query"
	CategoryQuota     ToolCategory = "quota"
	CategorySearch    ToolCategory = "search"
)

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry records the tools a server exposes so clients can find them
// with tool_search.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds or replaces a tool. Tools without a name are ignored.
func (r *ToolRegistry) Register(tool *ToolMetadata) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns the metadata of a tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools, or those in category when it is non-empty, sorted
// by name.
func (r *ToolRegistry) List(category ToolCategory) []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		if category == "" || tool.Category == category {
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is one tool_search match.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`
	// Score is 3 for an exact name, 2 for a name match, 1 for a description
	// or keyword match.
	Score int `json:"score"`
}

// Search matches query case-insensitively against names, descriptions and
// keywords. A query that compiles as a regular expression is also matched
// as one. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string) []SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	lower := strings.ToLower(query)
	re, _ := regexp.Compile("(?i)" + query)
	matches := func(s string) bool {
		return strings.Contains(strings.ToLower(s), lower) || (re != nil && re.MatchString(s))
	}

	var results []SearchResult
	for _, tool := range r.List("") {
		score := 0
		switch {
		case strings.EqualFold(tool.Name, query):
			score = 3
		case matches(tool.Name):
			score = 2
		case matches(tool.Description):
			score = 1
		default:
			for _, kw := range tool.Keywords {
				if matches(kw) {
					score = 1
					break
				}
			}
		}
		if score > 0 {
			results = append(results, SearchResult{Tool: tool, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}
