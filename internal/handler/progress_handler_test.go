package handler_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/critkey-api/internal/dto"
	"github.com/noah-isme/critkey-api/internal/handler"
	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/service"
)

type stubProgressSource struct {
	service.ResourceService
	snapshot dto.ResourceSnapshot
}

func (s *stubProgressSource) Snapshot() dto.ResourceSnapshot {
	return s.snapshot
}

func startProgressApp(t *testing.T, stub *stubProgressSource) string {
	t.Helper()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h := handler.NewProgressHandler(stub, zerolog.Nop())
	h.Register(app.Group("/api/ws"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return ln.Addr().String()
}

func TestProgressStreamSendsSnapshotFrames(t *testing.T) {
	stub := &stubProgressSource{
		snapshot: dto.ResourceSnapshot{
			CachingProgress: models.CachingProgress{Current: 2, Total: 5, IsCaching: true},
			PushProgress:    models.PushProgress{Completed: 1, Total: 3, Pushing: true},
		},
	}
	addr := startProgressApp(t, stub)

	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+addr+"/api/ws/progress", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame struct {
		Caching models.CachingProgress `json:"caching"`
		Push    models.PushProgress    `json:"push"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, models.CachingProgress{Current: 2, Total: 5, IsCaching: true}, frame.Caching)
	require.Equal(t, models.PushProgress{Completed: 1, Total: 3, Pushing: true}, frame.Push)
}

func TestProgressRequiresWebsocketUpgrade(t *testing.T) {
	app := fiber.New()
	h := handler.NewProgressHandler(&stubProgressSource{}, zerolog.Nop())
	h.Register(app.Group("/api/ws"))

	req := httptest.NewRequest(http.MethodGet, "/api/ws/progress", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
