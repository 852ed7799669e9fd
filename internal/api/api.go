// Package api exposes a read-only HTTP view over the stored reports.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dmarcview/dmarcview/internal/store"
)

// ReportReader is the store surface the API reads from.
type ReportReader interface {
	ListReports(ctx context.Context, filter store.ReportFilter) ([]store.ReportSummary, error)
	GetReport(ctx context.Context, id int64) (*store.Report, error)
	Summary(ctx context.Context) (*store.DashboardStats, error)
	ListProcessingLogs(ctx context.Context, status string, limit, offset int) ([]store.LogEntry, error)
}

// Handler serves the read API.
type Handler struct {
	store  ReportReader
	logger *slog.Logger
}

func New(st ReportReader, logger *slog.Logger) *Handler {
	return &Handler{store: st, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)
	api := r.Group("/api")
	api.GET("/reports", h.listReports)
	api.GET("/reports/:id", h.getReport)
	api.GET("/summary", h.summary)
	api.GET("/processing-logs", h.listProcessingLogs)
	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listReports(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)
	if page < 1 {
		page = 1
	}

	filter := store.ReportFilter{
		Domain:  c.Query("domain"),
		OrgName: c.Query("orgName"),
		Limit:   limit,
		Offset:  (page - 1) * limit,
	}
	reports, err := h.store.ListReports(c.Request.Context(), filter)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"page":    page,
		"limit":   limit,
	})
}

func (h *Handler) getReport(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
		return
	}
	report, err := h.store.GetReport(c.Request.Context(), id)
	if err != nil {
		h.serverError(c, err)
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) summary(c *gin.Context) {
	stats, err := h.store.Summary(c.Request.Context())
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) listProcessingLogs(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 25)
	if page < 1 {
		page = 1
	}

	entries, err := h.store.ListProcessingLogs(c.Request.Context(),
		c.Query("status"), limit, (page-1)*limit)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"page":  page,
		"limit": limit,
	})
}

func (h *Handler) serverError(c *gin.Context, err error) {
	h.logger.Error("api request failed", "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}
