// Package auditlog implements the read-only HTTP surface over the audit ledger,
// consumed by reporting and dashboard frontends. Every endpoint is a query; the ledger
// is written exclusively through its in-process API, never over HTTP, so there is no
// mutation surface to protect here beyond read access control at the gateway.
package auditlog

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plotline-software/plotline/internal/db/models"
	"github.com/plotline-software/plotline/internal/db/repositories"
	"github.com/plotline-software/plotline/internal/security"
)

// Pagination bounds. perPage is clamped rather than rejected so sloppy dashboard
// queries degrade instead of erroring.
const (
	defaultPerPage = 50
	maxPerPage     = 200
	defaultWindow  = 24 * time.Hour
	maxWindow      = 90 * 24 * time.Hour
)

// Ledger is the query surface the handlers consume. *audit.Ledger is the production
// implementation.
type Ledger interface {
	GetByID(ctx context.Context, id string) (*models.AuditEntry, error)
	List(ctx context.Context, filters repositories.Filters, limit, offset int) ([]*models.AuditEntry, int, error)
	Search(ctx context.Context, text string, limit int) ([]*models.AuditEntry, error)
	CriticalEvents(ctx context.Context, limit int) ([]*models.AuditEntry, error)
	RecentActivity(ctx context.Context, window time.Duration, limit int) ([]*models.AuditEntry, error)
	ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEntry, error)
	ByActor(ctx context.Context, actorID string, limit int) ([]*models.AuditEntry, error)
}

// Snapshotter produces security dashboard rollups. *security.Dashboard is the
// production implementation.
type Snapshotter interface {
	Snapshot(ctx context.Context, window time.Duration) security.Snapshot
}

// Handler serves the audit query endpoints.
type Handler struct {
	ledger    Ledger
	dashboard Snapshotter
}

// NewHandler creates a Handler over the given ledger and dashboard aggregator.
func NewHandler(ledger Ledger, dashboard Snapshotter) *Handler {
	return &Handler{ledger: ledger, dashboard: dashboard}
}

// RegisterRoutes attaches the audit endpoints to the given route group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	auditGroup := rg.Group("/audit")
	{
		auditGroup.GET("", h.List)
		auditGroup.GET("/search", h.Search)
		auditGroup.GET("/critical", h.Critical)
		auditGroup.GET("/recent", h.Recent)
		auditGroup.GET("/target/:type/:id", h.ForTarget)
		auditGroup.GET("/actor/:id", h.ByActor)
		auditGroup.GET("/:id", h.GetByID)
	}
	rg.GET("/security/dashboard", h.SecurityDashboard)
}

// List returns entries matching the query filters, newest first, paginated.
//
// Query parameters: actor_id, action, category, severity, target_type, target_id,
// start_date, end_date (RFC3339), search, page, per_page.
func (h *Handler) List(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	entries, total, err := h.ledger.List(c.Request.Context(), filters, perPage, (page-1)*perPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":  entries,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// GetByID returns one entry by identifier.
func (h *Handler) GetByID(c *gin.Context) {
	entry, err := h.ledger.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit entry"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Search returns entries whose derived search text contains q, case-insensitively.
func (h *Handler) Search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	entries, err := h.ledger.Search(c.Request.Context(), q, parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "query": q})
}

// Critical returns the most recent CRITICAL entries.
func (h *Handler) Critical(c *gin.Context) {
	entries, err := h.ledger.CriticalEvents(c.Request.Context(), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load critical events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Recent returns entries within a trailing window ending now (default 24h).
func (h *Handler) Recent(c *gin.Context) {
	window, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.ledger.RecentActivity(c.Request.Context(), window, parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load recent activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "window": window.String()})
}

// ForTarget returns the audit history of one entity.
func (h *Handler) ForTarget(c *gin.Context) {
	entries, err := h.ledger.ForTarget(c.Request.Context(), c.Param("type"), c.Param("id"), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load target history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// ByActor returns entries recorded for one acting principal.
func (h *Handler) ByActor(c *gin.Context) {
	entries, err := h.ledger.ByActor(c.Request.Context(), c.Param("id"), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load actor history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// SecurityDashboard returns the security rollup for a trailing window (default 24h).
// A partially failed snapshot is still returned with its error marker; the frontend
// decides how loudly to surface degraded figures.
func (h *Handler) SecurityDashboard(c *gin.Context) {
	window, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.dashboard.Snapshot(c.Request.Context(), window))
}

// parseFilters builds repository filters from query parameters, validating enum values
// so typos surface as 400s instead of silently empty result sets.
func parseFilters(c *gin.Context) (repositories.Filters, error) {
	var filters repositories.Filters

	if v := c.Query("actor_id"); v != "" {
		filters.ActorID = &v
	}
	if v := c.Query("action"); v != "" {
		action := models.Action(v)
		if !action.Valid() {
			return filters, &invalidParamError{"action", v}
		}
		filters.Action = &action
	}
	if v := c.Query("category"); v != "" {
		category := models.Category(v)
		if !category.Valid() {
			return filters, &invalidParamError{"category", v}
		}
		filters.Category = &category
	}
	if v := c.Query("severity"); v != "" {
		severity := models.Severity(v)
		if !severity.Valid() {
			return filters, &invalidParamError{"severity", v}
		}
		filters.Severity = &severity
	}
	if v := c.Query("target_type"); v != "" {
		filters.TargetType = &v
	}
	if v := c.Query("target_id"); v != "" {
		filters.TargetID = &v
	}
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, &invalidParamError{"start_date", v}
		}
		filters.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, &invalidParamError{"end_date", v}
		}
		filters.EndDate = &t
	}
	if v := c.Query("search"); v != "" {
		filters.Search = &v
	}

	return filters, nil
}

// parseLimit reads the limit query parameter, clamped to [1, maxPerPage].
func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPerPage)))
	if err != nil || limit < 1 {
		return defaultPerPage
	}
	if limit > maxPerPage {
		return maxPerPage
	}
	return limit
}

// parseWindow reads the window query parameter as a Go duration (default 24h),
// clamped to 90 days so a typo cannot force a full-table scan.
func parseWindow(c *gin.Context) (time.Duration, error) {
	v := c.Query("window")
	if v == "" {
		return defaultWindow, nil
	}
	window, err := time.ParseDuration(v)
	if err != nil || window <= 0 {
		return 0, &invalidParamError{"window", v}
	}
	if window > maxWindow {
		window = maxWindow
	}
	return window, nil
}

// invalidParamError reports a rejected query parameter.
type invalidParamError struct {
	param string
	value string
}

func (e *invalidParamError) Error() string {
	return "invalid " + e.param + ": " + e.value
}
