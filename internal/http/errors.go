package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// statusFor maps an error kind to an HTTP status and code.
func statusFor(kind ragerr.Kind) (int, string) {
	switch kind {
	case ragerr.KindAuthentication:
		return http.StatusUnauthorized, CodeAuthentication
	case ragerr.KindValidation:
		return http.StatusBadRequest, CodeValidation
	case ragerr.KindQuotaExceeded:
		return http.StatusTooManyRequests, CodeQuotaExceeded
	case ragerr.KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case ragerr.KindEmbedding:
		return http.StatusBadGateway, CodeEmbedding
	case ragerr.KindGeneration:
		return http.StatusBadGateway, CodeGeneration
	case ragerr.KindRetrieval:
		return http.StatusServiceUnavailable, CodeRetrieval
	case ragerr.KindIngestion:
		return http.StatusServiceUnavailable, CodeIngestion
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// publicMessage is what the tenant sees for kinds whose wrapped error may
// carry backend detail.
var publicMessage = map[ragerr.Kind]string{
	ragerr.KindAuthentication: "authentication required",
	ragerr.KindEmbedding:      "embedding service unavailable",
	ragerr.KindGeneration:     "answer generation unavailable",
	ragerr.KindRetrieval:      "document store unavailable",
	ragerr.KindIngestion:      "document ingestion failed",
	ragerr.KindQuotaExceeded:  "quota exceeded",
	ragerr.KindNotFound:       "document not found",
}

// handleError is the echo error handler.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	ctx := c.Request().Context()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := CodeValidation
		switch he.Code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code = CodeRouteNotFound
		case http.StatusForbidden:
			code = CodeForbidden
		case http.StatusUnauthorized:
			code = CodeAuthentication
		case http.StatusTooManyRequests:
			code = CodeRateLimited
		}
		if he.Code >= http.StatusInternalServerError {
			code = CodeInternal
			s.log.Error(ctx, "request failed", zap.Error(err))
		}
		s.respond(c, he.Code, ErrorResponse{Error: fmt.Sprint(he.Message), Code: code})
		return
	}

	kind := ragerr.KindOf(err)
	status, code := statusFor(kind)
	resp := ErrorResponse{Code: code, Retryable: kind.Retryable()}

	var re *ragerr.Error
	if errors.As(err, &re) && re.Message != "" && kind != ragerr.KindInternal && kind != ragerr.KindIsolationViolation {
		resp.Error = re.Message
	} else if msg, ok := publicMessage[kind]; ok {
		resp.Error = msg
	} else {
		resp.Error = "internal server error"
	}

	switch {
	case kind == ragerr.KindQuotaExceeded:
		resp.Dimension = ragerr.DimensionOf(err)
		if info, terr := tenant.FromContext(ctx); terr == nil {
			if st, serr := s.service.QuotaStatus(ctx, info.ID); serr == nil {
				resp.Quota = st
			}
		}
		s.log.Info(ctx, "quota exceeded", zap.String("dimension", resp.Dimension))
	case kind == ragerr.KindIsolationViolation:
		s.log.Error(ctx, "tenant isolation violation", zap.Error(err))
	case status >= http.StatusInternalServerError:
		s.log.Error(ctx, "request failed", zap.String("kind", string(kind)), zap.Error(err))
	default:
		s.log.Debug(ctx, "request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}

	s.respond(c, status, resp)
}

func (s *Server) respond(c echo.Context, status int, body ErrorResponse) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.log.Warn(c.Request().Context(), "failed to write error response", zap.Error(err))
	}
}
