package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/service"
)

// ProgressHandler streams caching and push progress over a websocket so
// grading clients can render live progress bars without polling.
type ProgressHandler struct {
	service  service.ResourceService
	logger   zerolog.Logger
	interval time.Duration
}

// NewProgressHandler constructs the handler.
func NewProgressHandler(service service.ResourceService, logger zerolog.Logger) *ProgressHandler {
	return &ProgressHandler{
		service:  service,
		logger:   logger.With().Str("component", "progress_handler").Logger(),
		interval: 500 * time.Millisecond,
	}
}

// Register attaches the websocket endpoint to the router group.
func (h *ProgressHandler) Register(router fiber.Router) {
	router.Use("/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/progress", websocket.New(h.stream))
}

type progressFrame struct {
	Caching interface{} `json:"caching"`
	Push    interface{} `json:"push"`
}

func (h *ProgressHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Reads are only serviced to observe the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		snapshot := h.service.Snapshot()
		frame := progressFrame{
			Caching: snapshot.CachingProgress,
			Push:    snapshot.PushProgress,
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
