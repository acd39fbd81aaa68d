package accesslog

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/l7policy/internal/logging"
	"github.com/mbd888/l7policy/internal/pagination"
)

// MaxListLimit caps the limit query parameter.
const MaxListLimit = 1000

// StoreAPI serves stored records over HTTP.
type StoreAPI struct {
	store Store
}

// NewStoreAPI creates a new access log query handler.
func NewStoreAPI(store Store) *StoreAPI {
	return &StoreAPI{store: store}
}

// RegisterRoutes sets up access log routes.
func (h *StoreAPI) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/entries", h.List)
}

// List handles GET /v1/entries?type=Denied&policy=10.0.0.2&limit=50&cursor=...
func (h *StoreAPI) List(c *gin.Context) {
	var f Filter

	if typ := c.Query("type"); typ != "" {
		var t EntryType
		if err := t.UnmarshalText([]byte(typ)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "message": "type must be Request, Response or Denied"})
			return
		}
		f.EntryType = &t
	}
	f.PolicyName = c.Query("policy")

	limit := DefaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > MaxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	f.Limit = limit + 1

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	f.Before = cursor

	entries, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list access log records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list records"})
		return
	}

	entries, next := pagination.Page(entries, limit, CursorOf)
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
	})
}
