package api

import (
	"net/http"
	"runtime"
	"strconv"

	"example.com/backstage/services/telemetry/internal/broadcast"
	"example.com/backstage/services/telemetry/internal/ingest"
	"example.com/backstage/services/telemetry/internal/metrics"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TelemetryHandler serves ingestion, state, alert and equipment routes
type TelemetryHandler struct {
	gateway *ingest.Gateway
	hub     *broadcast.Hub
}

// NewTelemetryHandler creates a new telemetry handler
func NewTelemetryHandler(gateway *ingest.Gateway, hub *broadcast.Hub) *TelemetryHandler {
	return &TelemetryHandler{gateway: gateway, hub: hub}
}

// RegisterRoutes registers the handler's routes
func (h *TelemetryHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		telemetry := v1.Group("/telemetry")
		telemetry.POST("", h.HandleIngest)
		telemetry.POST("/batch", h.HandleIngestBatch)
		telemetry.GET("/latest", h.HandleLatest)
		telemetry.GET("/history/:equipment_id", h.HandleHistory)

		alertRoutes := v1.Group("/alerts")
		alertRoutes.GET("", h.HandleListAlerts)
		alertRoutes.DELETE("", h.HandleClearAlerts)
		alertRoutes.GET("/search", h.HandleSearchAlerts)
		alertRoutes.GET("/thresholds", h.HandleGetThresholds)
		alertRoutes.PUT("/thresholds", h.HandleUpdateThresholds)
		alertRoutes.POST("/:id/ack", h.HandleAcknowledgeAlert)

		equipment := v1.Group("/equipment")
		equipment.GET("", h.HandleListEquipment)
		equipment.DELETE("/:equipment_id", h.HandleDeactivateEquipment)
	}

	router.GET("/ws/andons", h.HandleWebsocket)
}

// HandleIngest accepts one telemetry snapshot
func (h *TelemetryHandler) HandleIngest(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, NewError(http.StatusBadRequest, "failed to read request body"))
		return
	}

	res, err := h.gateway.Ingest(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":    "error",
			"device_id": res.DeviceID,
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    res.Status,
		"device_id": res.DeviceID,
		"stored":    res.StoredTo,
	})
}

// HandleIngestBatch accepts a JSON array of snapshots
func (h *TelemetryHandler) HandleIngestBatch(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, NewError(http.StatusBadRequest, "failed to read request body"))
		return
	}

	items, err := h.gateway.IngestBatch(c.Request.Context(), raw)
	if err != nil {
		respondError(c, err)
		return
	}

	accepted := 0
	for _, item := range items {
		if item.Error == "" {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accepted": accepted,
		"rejected": len(items) - accepted,
		"results":  items,
	})
}

// HandleLatest returns the latest snapshot of every device
func (h *TelemetryHandler) HandleLatest(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Latest(c.Request.Context()))
}

// HandleHistory returns persisted readings of one device
func (h *TelemetryHandler) HandleHistory(c *gin.Context) {
	hours := 0
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, NewError(http.StatusBadRequest, "hours must be a positive integer"))
			return
		}
		hours = n
	}

	history, err := h.gateway.History(c.Request.Context(), c.Param("equipment_id"), hours)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// HandleListAlerts returns recent alerts, newest first
func (h *TelemetryHandler) HandleListAlerts(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, NewError(http.StatusBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	severity := models.Severity(c.Query("severity"))
	if severity != "" && !severity.Valid() {
		respondError(c, NewError(http.StatusBadRequest, "unknown severity "+string(severity)))
		return
	}

	list := h.gateway.Alerts(limit, severity)
	c.JSON(http.StatusOK, gin.H{"count": len(list), "alerts": list})
}

// HandleClearAlerts empties the alert ledger
func (h *TelemetryHandler) HandleClearAlerts(c *gin.Context) {
	h.gateway.ClearAlerts()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleAcknowledgeAlert flags an alert as acknowledged
func (h *TelemetryHandler) HandleAcknowledgeAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, NewError(http.StatusBadRequest, "invalid alert id"))
		return
	}

	alert, err := h.gateway.AcknowledgeAlert(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// HandleSearchAlerts runs a search over indexed alerts
func (h *TelemetryHandler) HandleSearchAlerts(c *gin.Context) {
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))
	docs, err := h.gateway.SearchAlerts(c.Request.Context(), c.Query("q"), size)
	if err != nil {
		log.Warn().Err(err).Msg("Alert search failed")
		respondError(c, NewError(http.StatusServiceUnavailable, err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(docs), "alerts": docs})
}

// HandleGetThresholds returns the alert thresholds in effect
func (h *TelemetryHandler) HandleGetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Thresholds())
}

// HandleUpdateThresholds replaces alert thresholds. Omitted fields keep
// their current value.
func (h *TelemetryHandler) HandleUpdateThresholds(c *gin.Context) {
	th := h.gateway.Thresholds()
	if err := c.ShouldBindJSON(&th); err != nil {
		respondError(c, NewError(http.StatusBadRequest, err.Error()))
		return
	}
	if err := h.gateway.UpdateThresholds(th); err != nil {
		respondError(c, NewError(http.StatusBadRequest, err.Error()))
		return
	}
	c.JSON(http.StatusOK, h.gateway.Thresholds())
}

// HandleListEquipment returns active equipment
func (h *TelemetryHandler) HandleListEquipment(c *gin.Context) {
	list := h.gateway.Equipment()
	c.JSON(http.StatusOK, gin.H{"count": len(list), "equipment": list})
}

// HandleDeactivateEquipment deactivates a device and drops its current state
func (h *TelemetryHandler) HandleDeactivateEquipment(c *gin.Context) {
	if err := h.gateway.Deactivate(c.Request.Context(), c.Param("equipment_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "equipment_id": c.Param("equipment_id")})
}

// HandleWebsocket upgrades the request and streams live events
func (h *TelemetryHandler) HandleWebsocket(c *gin.Context) {
	conn, err := broadcast.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	broadcast.ServeWebsocket(h.hub, conn)
}

// MetricsHandler handles metrics and health requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	gateway *ingest.Gateway
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, gateway *ingest.Gateway) *MetricsHandler {
	return &MetricsHandler{metrics: m, gateway: gateway}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleHealth reports service health. A degraded service still answers 200
// since ingestion keeps working without the durable store.
func (h *MetricsHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Health(c.Request.Context()))
}
