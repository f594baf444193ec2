package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// tenantID returns the authenticated tenant. Handlers fail closed without one.
func tenantID(c echo.Context, op string) (string, error) {
	info, err := tenant.FromContext(c.Request().Context())
	if err != nil {
		return "", ragerr.Authentication(op, err)
	}
	return info.ID, nil
}

// bind decodes the JSON body into v.
func bind(c echo.Context, op string, v any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
		return ragerr.Validation(op, "invalid request body")
	}
	return nil
}

// handleHealth reports whether the vector store is reachable.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := s.service.Health(ctx); err != nil {
		s.log.Warn(ctx, "health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: "vector store unreachable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleAddDocument(c echo.Context) error {
	const op = "AddDocument"
	id, err := tenantID(c, op)
	if err != nil {
		return err
	}
	var req AddDocumentRequest
	if err := bind(c, op, &req); err != nil {
		return err
	}
	res, err := s.service.AddDocument(c.Request().Context(), id, req.Title, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	const op = "ListDocuments"
	id, err := tenantID(c, op)
	if err != nil {
		return err
	}
	var (
		opts              vectorstore.ListOptions
		sortBy, sortOrder string
	)
	if err := echo.QueryParamsBinder(c).
		Int("limit", &opts.Limit).
		Int("offset", &opts.Offset).
		String("search", &opts.Search).
		String("sort_by", &sortBy).
		String("sort_order", &sortOrder).
		BindError(); err != nil {
		return ragerr.Validation(op, "limit and offset must be integers")
	}
	opts.SortBy = vectorstore.SortField(sortBy)
	opts.SortOrder = vectorstore.SortOrder(sortOrder)

	page, err := s.service.ListDocuments(c.Request().Context(), id, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	const op = "DeleteDocument"
	id, err := tenantID(c, op)
	if err != nil {
		return err
	}
	res, err := s.service.DeleteDocument(c.Request().Context(), id, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleQuery(c echo.Context) error {
	const op = "Query"
	id, err := tenantID(c, op)
	if err != nil {
		return err
	}
	var req QueryRequest
	if err := bind(c, op, &req); err != nil {
		return err
	}
	res, err := s.service.Query(c.Request().Context(), id, req.Question, req.Preferences)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleQuota(c echo.Context) error {
	id, err := tenantID(c, "GetQuotaStatus")
	if err != nil {
		return err
	}
	st, err := s.service.QuotaStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleStats(c echo.Context) error {
	id, err := tenantID(c, "Stats")
	if err != nil {
		return err
	}
	st, err := s.service.Stats(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleUpdatePlan(c echo.Context) error {
	const op = "UpdatePlan"
	id, err := tenantID(c, op)
	if err != nil {
		return err
	}
	var req UpdatePlanRequest
	if err := bind(c, op, &req); err != nil {
		return err
	}
	if req.TenantID == "" {
		req.TenantID = id
	}
	st, err := s.service.UpdatePlan(c.Request().Context(), req.TenantID, req.Plan)
	if err != nil {
		return err
	}
	s.log.Info(c.Request().Context(), "plan updated",
		zap.String("target_tenant", req.TenantID),
		zap.String("plan", string(st.Plan)))
	return c.JSON(http.StatusOK, st)
}
