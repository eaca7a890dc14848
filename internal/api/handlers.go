package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/auth"
	"cctv-attendance/internal/coordinator"
	"cctv-attendance/internal/policy"
	"cctv-attendance/internal/queue"
)

type detectionRequest struct {
	DetectionID string     `json:"detection_id"`
	CameraID    string     `json:"camera_id"`
	PersonID    string     `json:"person_id"`
	Confidence  float64    `json:"confidence"`
	EventTime   *time.Time `json:"event_time"`
	ImageURL    string     `json:"image_url"`
}

// detection fills the camera from a camera token and the event time from
// the clock when the request leaves them out.
func (h *Handler) detection(c *gin.Context, req detectionRequest) attendance.Detection {
	det := attendance.Detection{
		DetectionID: req.DetectionID,
		CameraID:    req.CameraID,
		PersonID:    req.PersonID,
		Confidence:  req.Confidence,
		ImageURL:    req.ImageURL,
	}
	if det.CameraID == "" {
		if claims, ok := auth.ClaimsFrom(c); ok && claims.Role == auth.RoleCamera {
			det.CameraID = claims.Subject
		}
	}
	if req.EventTime != nil {
		det.EventTime = req.EventTime.UTC()
	} else {
		det.EventTime = h.now().UTC()
	}
	return det
}

func (h *Handler) createDetection(c *gin.Context) {
	var req detectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	det := h.detection(c, req)

	if c.Query("async") == "true" {
		h.enqueueDetection(c, det)
		return
	}

	out, err := h.coord.Decide(c.Request.Context(), det)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), outcomeBody(out))
}

func (h *Handler) enqueueDetection(c *gin.Context, det attendance.Detection) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async ingest disabled"})
		return
	}
	if err := det.Validate(); err != nil {
		h.respondError(c, err)
		return
	}
	if !det.Matched() && det.ImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "person_id or image_url required"})
		return
	}
	if det.DetectionID == "" {
		det.DetectionID = uuid.NewString()
	}

	msg, err := queue.NewDetectionMessage(det)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.queue.Publish(c.Request.Context(), msg); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"detection_id": det.DetectionID, "status": "queued"})
}

func (h *Handler) createBatch(c *gin.Context) {
	var req struct {
		Detections []detectionRequest `json:"detections" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Detections) == 0 || len(req.Detections) > MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch must hold between 1 and " + strconv.Itoa(MaxBatchSize) + " detections"})
		return
	}

	dets := make([]attendance.Detection, len(req.Detections))
	for i, r := range req.Detections {
		dets[i] = h.detection(c, r)
	}
	res := h.coord.DecideBatch(c.Request.Context(), dets)
	c.JSON(http.StatusOK, batchBody(res))
}

func (h *Handler) listReviews(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items, err := h.coord.PendingReviews(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) approve(c *gin.Context) {
	var req struct {
		PersonID  string     `json:"person_id"`
		CameraID  string     `json:"camera_id"`
		Action    string     `json:"action" binding:"required"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := policy.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a := coordinator.Approval{
		DetectionID: c.Param("detection_id"),
		PersonID:    req.PersonID,
		CameraID:    req.CameraID,
		Action:      action,
	}
	if req.Timestamp != nil {
		a.Timestamp = req.Timestamp.UTC()
	}

	out, err := h.coord.ManuallyApprove(c.Request.Context(), a)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok {
		h.logger.Info("manual approval", "reviewer", claims.Subject, "detection_id", a.DetectionID, "outcome", out.Kind())
	}
	c.JSON(outcomeStatus(out), outcomeBody(out))
}

func (h *Handler) trend(c *gin.Context) {
	insight, err := h.coord.AttendanceRateTrend(c.Request.Context(), c.Param("person_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, insight)
}

type policyBody struct {
	ReviewThreshold     float64 `json:"review_threshold"`
	AutoThreshold       float64 `json:"auto_threshold"`
	CheckInBefore       int     `json:"check_in_before_hour"`
	CheckOutFrom        int     `json:"check_out_from_hour"`
	DuplicateWindow     string  `json:"duplicate_window"`
	Timezone            string  `json:"timezone"`
	KeepEarliestCheckIn bool    `json:"keep_earliest_check_in"`
}

func toPolicyBody(p policy.Config) policyBody {
	return policyBody{
		ReviewThreshold:     p.ReviewThreshold,
		AutoThreshold:       p.AutoThreshold,
		CheckInBefore:       p.CheckInBefore,
		CheckOutFrom:        p.CheckOutFrom,
		DuplicateWindow:     p.DuplicateWindow.String(),
		Timezone:            p.Timezone,
		KeepEarliestCheckIn: p.KeepEarliestCheckIn,
	}
}

func (h *Handler) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, toPolicyBody(h.policy.Policy()))
}

// putPolicy replaces the whole policy. Omitted fields keep their current value.
func (h *Handler) putPolicy(c *gin.Context) {
	body := toPolicyBody(h.policy.Policy())
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	window, err := time.ParseDuration(body.DuplicateWindow)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duplicate_window: " + err.Error()})
		return
	}

	cfg := policy.Config{
		ReviewThreshold:     body.ReviewThreshold,
		AutoThreshold:       body.AutoThreshold,
		CheckInBefore:       body.CheckInBefore,
		CheckOutFrom:        body.CheckOutFrom,
		DuplicateWindow:     window,
		Timezone:            body.Timezone,
		KeepEarliestCheckIn: body.KeepEarliestCheckIn,
	}
	if err := h.policy.SetPolicy(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toPolicyBody(h.policy.Policy()))
}
