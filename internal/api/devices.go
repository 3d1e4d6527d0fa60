package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ble-tracker.klederson.com/internal/session"
)

const (
	errDeviceNotFound = "device not tracked"
	errSinceInvalid   = "invalid 'since' time; use RFC3339"
	errNoHistory      = "location logging is disabled"
)

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listDevices(c *gin.Context) {
	devices := h.tracker.CurrentRoster()
	c.JSON(http.StatusOK, gin.H{"count": len(devices), "devices": devices})
}

func (h *Handler) getDevice(c *gin.Context) {
	d, ok := h.tracker.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errDeviceNotFound})
		return
	}
	c.JSON(http.StatusOK, d)
}

// getConnected answers for any id, tracked or not; the reconciler never fails.
func (h *Handler) getConnected(c *gin.Context) {
	id := c.Param("id")
	connected, trace := h.tracker.Reconcile(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"id": id, "connected": connected, "sources": trace})
}

func (h *Handler) getLocations(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoHistory})
		return
	}

	var since time.Time
	if qs := c.Query("since"); qs != "" {
		t, err := time.Parse(time.RFC3339, qs)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errSinceInvalid})
			return
		}
		since = t
	}

	recs, err := h.history.List(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		h.log.Errorw("list locations failed", "id", c.Param("id"), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read location log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "locations": recs})
}

func (h *Handler) getAdapter(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.State())
}

func (h *Handler) startSession(c *gin.Context) {
	err := h.tracker.StartSession(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, h.tracker.State())
	case errors.Is(err, session.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "state": h.tracker.State()})
	default:
		h.log.Warnw("start session failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "state": h.tracker.State()})
	}
}

func (h *Handler) stopSession(c *gin.Context) {
	if err := h.tracker.StopSession(); err != nil {
		h.log.Warnw("stop session failed", "err", err)
	}
	c.JSON(http.StatusOK, h.tracker.State())
}
