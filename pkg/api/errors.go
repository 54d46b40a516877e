package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/search"
)

// Error codes returned in the body of failed requests
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeDimensionMismatch = "dimension_mismatch"
	CodeEmbeddingBackend  = "embedding_backend"
	CodeSchemaMismatch    = "schema_mismatch"
	CodeStorage           = "storage"
	CodeInternal          = "internal"
)

// ErrorResponse is the JSON body of a failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps the error taxonomy onto HTTP statuses
func classify(err error) (int, string) {
	var (
		storageErr *db.StorageError
		backendErr *embed.BackendError
	)
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, db.ErrDimensionMismatch):
		return http.StatusBadRequest, CodeDimensionMismatch
	case errors.As(err, &backendErr):
		return http.StatusBadGateway, CodeEmbeddingBackend
	case errors.Is(err, db.ErrSchemaMismatch):
		return http.StatusInternalServerError, CodeSchemaMismatch
	case errors.As(err, &storageErr):
		return http.StatusServiceUnavailable, CodeStorage
	}
	return http.StatusInternalServerError, CodeInternal
}

func fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
}
