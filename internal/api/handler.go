// Package api exposes the tracker over HTTP: roster snapshots, on-demand
// connection checks, session control and a websocket roster stream.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/location"
	"ble-tracker.klederson.com/internal/logger"
	"ble-tracker.klederson.com/internal/session"
)

// Tracker is the core surface served by the API.
type Tracker interface {
	StartSession(ctx context.Context) error
	StopSession() error
	CurrentRoster() []bluetooth.TrackedDevice
	Device(id string) (bluetooth.TrackedDevice, bool)
	Reconcile(ctx context.Context, id string) (bool, []connection.Result)
	State() session.State
}

// History is the read side of the location log.
type History interface {
	List(ctx context.Context, deviceID string, since time.Time) ([]location.Record, error)
}

// Handler wires the HTTP layer to the tracker.
type Handler struct {
	tracker Tracker
	history History
	log     *logger.Logger
}

// NewHandler constructs a handler. history may be nil when location
// logging is disabled.
func NewHandler(tracker Tracker, history History, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{tracker: tracker, history: history, log: log}
}

// InitRoutes builds the gin router with every route registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.health)
	h.registerAPIRoutes(router)
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", h.listDevices)
			devices.GET("/:id", h.getDevice)
			devices.GET("/:id/connected", h.getConnected)
			devices.GET("/:id/locations", h.getLocations)
		}
		api.GET("/adapter", h.getAdapter)

		sess := api.Group("/session")
		{
			sess.POST("/start", h.startSession)
			sess.POST("/stop", h.stopSession)
		}
	}
}
