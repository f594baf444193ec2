package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// addTool registers a tool with the MCP server and the registry. The
// handler runs with the server's tenant in ctx and returns the structured
// output plus a one-line text summary.
func addTool[In, Out any](s *Server, meta *ToolMetadata, handler func(ctx context.Context, in In) (Out, string, error)) {
	s.toolRegistry.Register(meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Track(ctx, meta.Name)
		ctx = tenant.WithInfo(ctx, s.identity)
		out, text, err := handler(ctx, in)
		done(err)
		if err != nil {
			var zero Out
			return nil, zero, s.toolError(meta.Name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

// toolError reduces err to a message safe to hand to the client.
func (s *Server) toolError(tool string, err error) error {
	kind := ragerr.KindOf(err)
	msg := "internal error"
	var re *ragerr.Error
	switch {
	case kind == ragerr.KindInternal || kind == ragerr.KindIsolationViolation:
		s.logger.Error("tool failed", zap.String("tool", tool), zap.String("kind", string(kind)), zap.Error(err))
	case errors.As(err, &re) && re.Message != "":
		msg = re.Message
		s.logger.Debug("tool rejected", zap.String("tool", tool), zap.Error(err))
	default:
		msg = strings.ReplaceAll(string(kind), "_", " ") + " failed"
		s.logger.Warn("tool failed", zap.String("tool", tool), zap.Error(err))
	}
	if d := ragerr.DimensionOf(err); d != "" {
		msg += " (dimension=" + d + ")"
	}
	if kind.Retryable() {
		msg += " (retryable)"
	}
	return fmt.Errorf("%s: %s", kind, msg)
}

func (s *Server) scrub(text string) string {
	return s.scrubber.Scrub(text).Scrubbed
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type documentAddInput struct {
	Title string `json:"title,omitempty" jsonschema:"Document title"`
	Text  string `json:"text" jsonschema:"Plain text content of the document"`
}

type documentAddOutput struct {
	DocumentID    string `json:"document_id" jsonschema:"Identifier of the new document"`
	ChunksCreated int    `json:"chunks_created" jsonschema:"Number of chunks indexed"`
}

type documentListInput struct {
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum documents to return (default 20, max 100)"`
	Offset    int    `json:"offset,omitempty" jsonschema:"Number of documents to skip"`
	Search    string `json:"search,omitempty" jsonschema:"Case-insensitive title filter"`
	SortBy    string `json:"sort_by,omitempty" jsonschema:"created_at, title, vector_count or content_length"`
	SortOrder string `json:"sort_order,omitempty" jsonschema:"asc or desc (default desc)"`
}

type documentSummary struct {
	DocumentID    string `json:"document_id"`
	Title         string `json:"title"`
	ContentLength int64  `json:"content_length"`
	VectorCount   int    `json:"vector_count"`
	CreatedAt     string `json:"created_at"`
}

type documentListOutput struct {
	Documents []documentSummary `json:"documents"`
	Total     int               `json:"total"`
	HasMore   bool              `json:"has_more"`
}

type documentDeleteInput struct {
	DocumentID string `json:"document_id" jsonschema:"Identifier of the document to delete"`
}

type documentDeleteOutput struct {
	DocumentID     string `json:"document_id"`
	VectorsRemoved int    `json:"vectors_removed"`
}

type queryInput struct {
	Question    string   `json:"question" jsonschema:"Natural language question"`
	MaxResults  int      `json:"max_results,omitempty" jsonschema:"Number of source chunks to retrieve"`
	Temperature *float64 `json:"temperature,omitempty" jsonschema:"Sampling temperature for the answer"`
	Persona     string   `json:"persona,omitempty" jsonschema:"Persona the answer is written as"`
}

type querySource struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"relevance_score"`
}

type queryOutput struct {
	Answer      string        `json:"answer"`
	Sources     []querySource `json:"sources"`
	Confidence  float64       `json:"confidence"`
	Model       string        `json:"model,omitempty"`
	GeneratedAt string        `json:"generated_at"`
}

type emptyInput struct{}

type dimensionUsage struct {
	Current    int64   `json:"current"`
	Pending    int64   `json:"pending"`
	Max        int64   `json:"max"`
	Percentage float64 `json:"percentage"`
}

type quotaOutput struct {
	Plan       string                    `json:"plan"`
	Dimensions map[string]dimensionUsage `json:"dimensions"`
	Periods    map[string]string         `json:"periods"`
}

func toQuotaOutput(st *quota.Status) quotaOutput {
	out := quotaOutput{
		Plan:       string(st.Plan),
		Dimensions: make(map[string]dimensionUsage, len(st.Dimensions)),
		Periods:    make(map[string]string, len(st.Periods)),
	}
	for d, u := range st.Dimensions {
		out.Dimensions[string(d)] = dimensionUsage(u)
	}
	for d, p := range st.Periods {
		out.Periods[string(d)] = p
	}
	return out
}

type statsOutput struct {
	Documents    int    `json:"document_count"`
	Vectors      int    `json:"vector_count"`
	StorageBytes int64  `json:"storage_bytes"`
	LastUpdated  string `json:"last_updated,omitempty"`
	Plan         string `json:"plan"`
}

type planUpdateInput struct {
	TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant to change (default: the caller)"`
	Plan     string `json:"plan" jsonschema:"free, basic or premium"`
}

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Substring or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict results to documents, query, quota or search"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default 5)"`
}

type toolSearchOutput struct {
	Tools []ToolMetadata `json:"tools"`
	Total int            `json:"total_tools"`
}

func (s *Server) registerTools() {
	s.registerDocumentTools()
	s.registerQueryTools()
	s.registerQuotaTools()
	s.registerSearchTools()
}

func (s *Server) registerDocumentTools() {
	addTool(s, &ToolMetadata{
		Name:        "document_add",
		Description: "Add a plain text document to the knowledge base. Consumes document, vector, storage and daily upload quota.",
		Category:    CategoryDocuments,
		Keywords:    []string{"upload", "ingest", "index"},
	}, func(ctx context.Context, in documentAddInput) (documentAddOutput, string, error) {
		res, err := s.service.AddDocument(ctx, s.identity.ID, in.Title, in.Text)
		if err != nil {
			return documentAddOutput{}, "", err
		}
		return documentAddOutput(res), fmt.Sprintf("Added document %s (%d chunks)", res.DocumentID, res.ChunksCreated), nil
	})

	addTool(s, &ToolMetadata{
		Name:        "document_list",
		Description: "List documents in the knowledge base with paging, title search and sorting.",
		Category:    CategoryDocuments,
		Keywords:    []string{"browse", "catalog"},
	}, func(ctx context.Context, in documentListInput) (documentListOutput, string, error) {
		page, err := s.service.ListDocuments(ctx, s.identity.ID, vectorstore.ListOptions{
			Limit:     in.Limit,
			Offset:    in.Offset,
			Search:    in.Search,
			SortBy:    vectorstore.SortField(in.SortBy),
			SortOrder: vectorstore.SortOrder(in.SortOrder),
		})
		if err != nil {
			return documentListOutput{}, "", err
		}
		out := documentListOutput{
			Documents: make([]documentSummary, 0, len(page.Items)),
			Total:     page.Total,
			HasMore:   page.HasMore,
		}
		for _, d := range page.Items {
			out.Documents = append(out.Documents, documentSummary{
				DocumentID:    d.ID,
				Title:         s.scrub(d.Title),
				ContentLength: d.ContentLength,
				VectorCount:   d.VectorCount,
				CreatedAt:     formatTime(d.CreatedAt),
			})
		}
		return out, fmt.Sprintf("Showing %d of %d documents", len(out.Documents), out.Total), nil
	})

	addTool(s, &ToolMetadata{
		Name:        "document_delete",
		Description: "Delete a document and its chunks. Document, vector and storage quota is returned.",
		Category:    CategoryDocuments,
		Keywords:    []string{"remove"},
	}, func(ctx context.Context, in documentDeleteInput) (documentDeleteOutput, string, error) {
		res, err := s.service.DeleteDocument(ctx, s.identity.ID, in.DocumentID)
		if err != nil {
			return documentDeleteOutput{}, "", err
		}
		return documentDeleteOutput(res), fmt.Sprintf("Deleted document %s (%d vectors)", res.DocumentID, res.VectorsRemoved), nil
	})
}

func (s *Server) registerQueryTools() {
	addTool(s, &ToolMetadata{
		Name:        "rag_query",
		Description: "Answer a question from the knowledge base, citing the source chunks used. Consumes monthly query quota.",
		Category:    CategoryQuery,
		Keywords:    []string{"ask", "question", "answer", "search"},
	}, func(ctx context.Context, in queryInput) (queryOutput, string, error) {
		res, err := s.service.Query(ctx, s.identity.ID, in.Question, query.Preferences{
			MaxResults:  in.MaxResults,
			Temperature: in.Temperature,
			Persona:     in.Persona,
		})
		if err != nil {
			return queryOutput{}, "", err
		}
		out := queryOutput{
			Answer:      s.scrub(res.Answer),
			Sources:     make([]querySource, 0, len(res.Sources)),
			Confidence:  res.Confidence,
			Model:       res.Model,
			GeneratedAt: formatTime(res.GeneratedAt),
		}
		for _, src := range res.Sources {
			out.Sources = append(out.Sources, querySource{
				DocumentID: src.DocumentID,
				Title:      s.scrub(src.Title),
				Snippet:    s.scrub(src.Snippet),
				Score:      float64(src.Score),
			})
		}
		return out, out.Answer, nil
	})
}

func (s *Server) registerQuotaTools() {
	addTool(s, &ToolMetadata{
		Name:        "quota_status",
		Description: "Show the plan, usage and limits of every quota dimension.",
		Category:    CategoryQuota,
		Keywords:    []string{"usage", "limits", "plan"},
	}, func(ctx context.Context, _ emptyInput) (quotaOutput, string, error) {
		st, err := s.service.QuotaStatus(ctx, s.identity.ID)
		if err != nil {
			return quotaOutput{}, "", err
		}
		return toQuotaOutput(st), fmt.Sprintf("Plan %s", st.Plan), nil
	})

	addTool(s, &ToolMetadata{
		Name:        "tenant_stats",
		Description: "Show document, vector and storage totals for the knowledge base.",
		Category:    CategoryQuota,
		Keywords:    []string{"statistics", "usage"},
	}, func(ctx context.Context, _ emptyInput) (statsOutput, string, error) {
		st, err := s.service.Stats(ctx, s.identity.ID)
		if err != nil {
			return statsOutput{}, "", err
		}
		return statsOutput{
			Documents:    st.Documents,
			Vectors:      st.Vectors,
			StorageBytes: st.StorageBytes,
			LastUpdated:  formatTime(st.LastUpdated),
			Plan:         string(st.Plan),
		}, fmt.Sprintf("%d documents, %d vectors", st.Documents, st.Vectors), nil
	})

	if !s.identity.Admin {
		return
	}
	addTool(s, &ToolMetadata{
		Name:        "plan_update",
		Description: "Move a tenant to another plan. Requires the admin scope.",
		Category:    CategoryQuota,
		Keywords:    []string{"upgrade", "downgrade", "admin"},
	}, func(ctx context.Context, in planUpdateInput) (quotaOutput, string, error) {
		target := in.TenantID
		if target == "" {
			target = s.identity.ID
		}
		st, err := s.service.UpdatePlan(ctx, target, in.Plan)
		if err != nil {
			return quotaOutput{}, "", err
		}
		s.logger.Info("plan updated", zap.String("target_tenant", target), zap.String("plan", string(st.Plan)))
		return toQuotaOutput(st), fmt.Sprintf("Tenant %s is now on plan %s", target, st.Plan), nil
	})
}

func (s *Server) registerSearchTools() {
	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find available tools by name, description or keyword.",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "help"},
	}, func(_ context.Context, in toolSearchInput) (toolSearchOutput, string, error) {
		if strings.TrimSpace(in.Query) == "" {
			return toolSearchOutput{}, "", ragerr.Validation("tool_search", "query is required")
		}
		limit := in.Limit
		if limit <= 0 {
			limit = 5
		}
		out := toolSearchOutput{Tools: []ToolMetadata{}, Total: s.toolRegistry.Count()}
		var names []string
		for _, r := range s.toolRegistry.Search(in.Query) {
			if in.Category != "" && r.Tool.Category != ToolCategory(in.Category) {
				continue
			}
			if len(out.Tools) == limit {
				break
			}
			out.Tools = append(out.Tools, *r.Tool)
			names = append(names, r.Tool.Name)
		}
		if len(names) == 0 {
			return out, "No tools found matching: " + in.Query, nil
		}
		return out, fmt.Sprintf("Found %d tool(s): %s", len(names), strings.Join(names, ", ")), nil
	})
}
