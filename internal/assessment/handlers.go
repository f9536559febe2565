package assessment

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskdesk/internal/logging"
	"github.com/mbd888/riskdesk/internal/pagination"
	"github.com/mbd888/riskdesk/internal/validation"
)

// Handler provides HTTP endpoints for assessments.
type Handler struct {
	desk *Desk
}

// NewHandler creates a new assessment handler.
func NewHandler(desk *Desk) *Handler {
	return &Handler{desk: desk}
}

// RegisterRoutes sets up assessment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk-types", h.ListRiskTypes)
	r.GET("/assessments", h.ListAssessments)
	r.GET("/assessments/:riskType", h.GetAssessment)
	r.POST("/assessments/:riskType", h.StartAssessment)
	r.GET("/assessments/:riskType/runs", h.ListRuns)
	r.GET("/runs/:id", h.GetRun)
	r.GET("/payments/:requesterId/:jobId", validation.RequesterIDParamMiddleware(), h.GetPayment)
	r.GET("/results/latest", h.GetLatestResult)
}

// StartRequest is the body of POST /v1/assessments/:riskType.
type StartRequest struct {
	InputData InputData `json:"input_data"`
}

type riskTypeInfo struct {
	Schema
	Preset InputData `json:"preset"`
}

// ListRiskTypes handles GET /v1/risk-types
func (h *Handler) ListRiskTypes(c *gin.Context) {
	presets := h.desk.Presets()
	var out []riskTypeInfo
	for _, s := range Schemas() {
		out = append(out, riskTypeInfo{Schema: s, Preset: presets[s.RiskType]})
	}
	c.JSON(http.StatusOK, gin.H{"riskTypes": out})
}

// ListAssessments handles GET /v1/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"assessments": h.desk.Snapshots()})
}

// GetAssessment handles GET /v1/assessments/:riskType
func (h *Handler) GetAssessment(c *gin.Context) {
	rt, ok := h.riskTypeParam(c)
	if !ok {
		return
	}
	snap, _ := h.desk.Snapshot(rt)
	c.JSON(http.StatusOK, gin.H{"assessment": snap})
}

// StartAssessment handles POST /v1/assessments/:riskType
func (h *Handler) StartAssessment(c *gin.Context) {
	rt, ok := h.riskTypeParam(c)
	if !ok {
		return
	}

	// An empty body, chunked or not, runs the preset input.
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	snap, err := h.desk.Run(rt, req.InputData)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.Is(err, ErrRunInFlight):
			current, _ := h.desk.Snapshot(rt)
			c.JSON(http.StatusConflict, gin.H{
				"error":      "run_in_flight",
				"message":    "An assessment of this type is already running",
				"assessment": current,
			})
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": verrs.Error(),
				"details": verrs,
			})
		case errors.Is(err, ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "shutting_down",
				"message": "Server is shutting down",
			})
		default:
			logging.L(c.Request.Context()).Error("failed to start assessment", "risk_type", rt, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"assessment": snap})
}

// ListRuns handles GET /v1/assessments/:riskType/runs
func (h *Handler) ListRuns(c *gin.Context) {
	rt, ok := h.riskTypeParam(c)
	if !ok {
		return
	}
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid; pass the nextCursor of a previous page",
		})
		return
	}

	runs, err := h.desk.Store().ListRuns(c.Request.Context(), rt, limit+1, WithCursor(cursor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	runs, next, hasMore := pagination.ComputePage(runs, limit, func(r *RunRecord) (time.Time, string) {
		return r.StartedAt, r.ID
	})

	resp := gin.H{
		"runs":    runs,
		"count":   len(runs),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/:id
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.desk.Store().GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Run not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// GetPayment handles GET /v1/payments/:requesterId/:jobId
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.desk.Store().GetPayment(c.Request.Context(), c.Param("requesterId"), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// GetLatestResult handles GET /v1/results/latest
func (h *Handler) GetLatestResult(c *gin.Context) {
	p, err := h.desk.Latest()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No assessment has completed yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presentation": p})
}

func (h *Handler) riskTypeParam(c *gin.Context) (RiskType, bool) {
	rt, err := ParseRiskType(c.Param("riskType"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_risk_type",
			"message": err.Error(),
		})
		return "", false
	}
	return rt, true
}
