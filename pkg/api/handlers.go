package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/search"
)

// SearchRequest is the body of the search endpoints. Either query or
// embedding must be given.
type SearchRequest struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
	Limit     int       `json:"limit" binding:"gte=0,lte=1000"`
}

func (r SearchRequest) request() search.Request {
	return search.Request{Text: r.Query, Embedding: r.Embedding}
}

func (r SearchRequest) limit() int {
	if r.Limit == 0 {
		return db.DefaultLimit
	}
	return r.Limit
}

// FilteredRequest adds a metadata filter to a search
type FilteredRequest struct {
	SearchRequest
	Filter *db.MetadataFilter `json:"filter"`
}

// CombinedRequest ranks by similarity and graph distance from Anchor
type CombinedRequest struct {
	SearchRequest
	Anchor string   `json:"anchor" binding:"required"`
	Alpha  *float64 `json:"alpha" binding:"omitempty,gte=0"`
	Beta   *float64 `json:"beta" binding:"omitempty,gte=0"`
}

// RetrieveRequest overrides the configured multi-hop options field by field
type RetrieveRequest struct {
	Query      string    `json:"query"`
	Embedding  []float32 `json:"embedding"`
	TopK       *int      `json:"top_k" binding:"omitempty,gte=1,lte=1000"`
	MaxHops    *int      `json:"max_hops" binding:"omitempty,gte=0,lte=10"`
	PerHop     *int      `json:"per_hop" binding:"omitempty,gte=0"`
	Rerank     *bool     `json:"rerank"`
	DeadlineMS *int      `json:"deadline_ms" binding:"omitempty,gte=0"`
}

func (r RetrieveRequest) options(base search.Options) search.Options {
	if r.TopK != nil {
		base.TopK = *r.TopK
	}
	if r.MaxHops != nil {
		base.MaxHops = *r.MaxHops
	}
	if r.PerHop != nil {
		base.PerHop = *r.PerHop
	}
	if r.Rerank != nil {
		base.Rerank = *r.Rerank
	}
	if r.DeadlineMS != nil {
		base.Deadline = time.Duration(*r.DeadlineMS) * time.Millisecond
	}
	return base
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) vectorSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.engine.VectorSearch(c.Request.Context(), c.Param("project"), req.request(), req.limit())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) filteredSearch(c *gin.Context) {
	var req FilteredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.engine.FilteredSearch(c.Request.Context(), c.Param("project"), req.request(), req.Filter, req.limit())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) combinedSearch(c *gin.Context) {
	var req CombinedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.engine.CombinedSearch(c.Request.Context(), c.Param("project"), req.request(),
		req.Anchor, req.Alpha, req.Beta, req.limit())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) retrieve(c *gin.Context) {
	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	opts := req.options(s.engine.Config().Retrieve)
	res, err := s.engine.Retrieve(c.Request.Context(), c.Param("project"),
		search.Request{Text: req.Query, Embedding: req.Embedding}, &opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) chunk(c *gin.Context) {
	res, err := s.engine.Chunk(c.Request.Context(), c.Param("project"), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) graph(c *gin.Context) {
	res, err := s.engine.Graph(c.Request.Context(), c.Param("project"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) stats(c *gin.Context) {
	res, err := s.engine.Stats(c.Request.Context(), c.Param("project"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
