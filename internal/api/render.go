package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/coordinator"
	"cctv-attendance/internal/review"
)

// outcomeBody renders every outcome variant. The switch is exhaustive over
// the sealed attendance.Outcome set.
func outcomeBody(o attendance.Outcome) gin.H {
	switch o := o.(type) {
	case attendance.Rejected:
		body := gin.H{
			"outcome":      o.Kind(),
			"reason":       o.Reason,
			"detection_id": o.DetectionID,
		}
		if o.PersonID != "" {
			body["person_id"] = o.PersonID
		}
		if o.RecordID != "" {
			body["attendance_id"] = o.RecordID
		}
		return body
	case attendance.Deferred:
		return gin.H{
			"outcome":      o.Kind(),
			"reason":       o.Reason,
			"person_id":    o.PersonID,
			"detection_id": o.DetectionID,
			"confidence":   o.Confidence,
		}
	case attendance.CheckInRecorded:
		return gin.H{
			"outcome":     o.Kind(),
			"person_name": o.PersonName,
			"created":     o.Created,
			"record":      o.Record,
		}
	case attendance.CheckOutRecorded:
		return gin.H{
			"outcome":     o.Kind(),
			"person_name": o.PersonName,
			"record":      o.Record,
		}
	default:
		return gin.H{"outcome": "unknown"}
	}
}

func outcomeStatus(o attendance.Outcome) int {
	if in, ok := o.(attendance.CheckInRecorded); ok && in.Created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func batchBody(res coordinator.BatchResult) gin.H {
	items := make([]gin.H, len(res.Items))
	for i, item := range res.Items {
		if item.Err != nil {
			items[i] = gin.H{
				"detection_id": item.DetectionID,
				"outcome":      "failed",
				"error":        item.Err.Error(),
			}
			continue
		}
		items[i] = outcomeBody(item.Outcome)
		items[i]["detection_id"] = item.DetectionID
	}
	return gin.H{
		"total":              res.Total,
		"auto_marked":        res.AutoMarked,
		"requires_review":    res.RequiresReview,
		"rejected_duplicate": res.RejectedDuplicate,
		"rejected":           res.Rejected,
		"unmatched":          res.Unmatched,
		"failed":             res.Failed,
		"items":              items,
	}
}

func mapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, review.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return attendance.MapHTTPStatus(err)
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := mapHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
