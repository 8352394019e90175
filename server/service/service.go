// Package service implements the coordinator's HTTP surface (§6 plus
// the SPEC_FULL additions): the tool-call endpoints an agent process
// drives through, the overlay websocket the front-end subscribes to,
// and the operator-facing status/config/feed/metrics endpoints.
// Grounded on the teacher's FrontendService.Serve(ctx, *echo.Echo)
// registration shape (server/router/frontend/service.go).
package service

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"
	"golang.org/x/net/websocket"

	"github.com/hrygo/crawd/coordinator/chatmsg"
	"github.com/hrygo/crawd/coordinator/coord"
	"github.com/hrygo/crawd/coordinator/config"
	"github.com/hrygo/crawd/coordinator/overlay"
	"github.com/hrygo/crawd/coordinator/speech"
	authmw "github.com/hrygo/crawd/server/middleware"
)

// CoordinatorService wires every HTTP route to the single Coordinator
// instance it was built around.
type CoordinatorService struct {
	coordinator *coord.Coordinator
	jwtSecret   string
}

// New creates a CoordinatorService. jwtSecret guards the
// operator-only routes (config updates, mock fixtures); an empty
// secret disables the guard for local/demo use.
func New(c *coord.Coordinator, jwtSecret string) *CoordinatorService {
	return &CoordinatorService{coordinator: c, jwtSecret: jwtSecret}
}

// Register mounts every route onto e.
func (s *CoordinatorService) Register(e *echo.Echo) {
	guard := authmw.JWTGuard(s.jwtSecret)

	e.POST("/crawd/talk", s.handleTalk)
	e.POST("/crawd/reply", s.handleReply)

	e.GET("/chat/status", s.handleChatStatus)
	e.GET("/coordinator/status", s.handleStatus)
	e.POST("/coordinator/config", s.handleUpdateConfig, guard)
	e.GET("/coordinator/feed.atom", s.handleFeed)

	e.GET("/plan", s.handlePlan)
	e.GET("/plan.html", s.handlePlanHTML)

	e.POST("/mock/chat", s.handleMockChat, guard)
	e.POST("/mock/turn", s.handleMockTurn, guard)

	e.GET("/coordinator/overlay", s.handleOverlayWS)
	e.GET("/metrics", echo.WrapHandler(s.coordinator.Metrics().Handler()))
}

type talkRequest struct {
	Text string `json:"text"`
}

func (s *CoordinatorService) handleTalk(c echo.Context) error {
	var req talkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result := s.coordinator.Talk(c.Request().Context(), req.Text)
	return c.JSON(http.StatusOK, result)
}

type replyRequest struct {
	Text string `json:"text"`
	Chat struct {
		Username string `json:"username"`
		Message  string `json:"message"`
	} `json:"chat"`
}

func (s *CoordinatorService) handleReply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result := s.coordinator.Reply(c.Request().Context(), req.Text, speech.ChatContext{
		Username: req.Chat.Username,
		Message:  req.Chat.Message,
	})
	return c.JSON(http.StatusOK, result)
}

func (s *CoordinatorService) handleChatStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coordinator.ChatAdapterStatus())
}

func (s *CoordinatorService) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

// configRequest mirrors config.Partial with JSON tags so zero-value
// fields the caller omits stay nil rather than becoming explicit zeros.
type configRequest struct {
	IdleAfterMs             *int64  `json:"idleAfterMs"`
	SleepAfterIdleMs        *int64  `json:"sleepAfterIdleMs"`
	SleepCheckMs            *int64  `json:"sleepCheckMs"`
	BatchWindowMs           *int64  `json:"batchWindowMs"`
	StartupGraceMs          *int64  `json:"startupGraceMs"`
	RecentMessagesN         *int    `json:"recentMessagesCap"`
	Mode                    *string `json:"mode"`
	VibeIntervalMs          *int64  `json:"vibeIntervalMs"`
	VibePrompt              *string `json:"vibePrompt"`
	PlanNudgeDelayMs        *int64  `json:"planNudgeDelayMs"`
	AckTimeoutMs            *int64  `json:"ackTimeoutMs"`
	GatewayCallTimeoutMs    *int64  `json:"gatewayCallTimeoutMs"`
	MisalignAlertThreshold  *int    `json:"misalignAlertThreshold"`
	GatewayFailureThreshold *int    `json:"gatewayFailureThreshold"`
	GatewayFailureWindowMs  *int64  `json:"gatewayFailureWindowMs"`
}

func (s *CoordinatorService) handleUpdateConfig(c echo.Context) error {
	var req configRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p := config.Partial{
		IdleAfterMs:             req.IdleAfterMs,
		SleepAfterIdleMs:        req.SleepAfterIdleMs,
		SleepCheckMs:            req.SleepCheckMs,
		BatchWindowMs:           req.BatchWindowMs,
		StartupGraceMs:          req.StartupGraceMs,
		RecentMessagesN:         req.RecentMessagesN,
		Mode:                    req.Mode,
		VibeIntervalMs:          req.VibeIntervalMs,
		VibePrompt:              req.VibePrompt,
		PlanNudgeDelayMs:        req.PlanNudgeDelayMs,
		AckTimeoutMs:            req.AckTimeoutMs,
		GatewayCallTimeoutMs:    req.GatewayCallTimeoutMs,
		MisalignAlertThreshold:  req.MisalignAlertThreshold,
		GatewayFailureThreshold: req.GatewayFailureThreshold,
		GatewayFailureWindowMs:  req.GatewayFailureWindowMs,
	}
	return c.JSON(http.StatusOK, s.coordinator.UpdateConfig(p))
}

func (s *CoordinatorService) handleFeed(c echo.Context) error {
	atom, err := s.coordinator.Feed().Atom(time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render feed")
	}
	return c.Blob(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
}

func (s *CoordinatorService) handlePlan(c echo.Context) error {
	snap := s.coordinator.GetPlan()
	if snap == nil {
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *CoordinatorService) handlePlanHTML(c echo.Context) error {
	snap := s.coordinator.GetPlan()
	if snap == nil {
		return c.HTML(http.StatusOK, "<p>no active plan</p>")
	}
	var buf []byte
	w := &byteBuffer{buf: &buf}
	if err := goldmark.Convert([]byte(snap.Render()), w); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render plan")
	}
	return c.HTMLBlob(http.StatusOK, buf)
}

// byteBuffer adapts a []byte pointer to io.Writer for goldmark.Convert,
// avoiding a bytes.Buffer import for a single append loop.
type byteBuffer struct{ buf *[]byte }

func (w *byteBuffer) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

type mockChatRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (s *CoordinatorService) handleMockChat(c echo.Context) error {
	var req mockChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s.coordinator.IngestChat(chatmsg.New(chatmsg.Pumpfun, req.Username, req.Message, time.Now(), chatmsg.Metadata{}))
	return c.NoContent(http.StatusAccepted)
}

func (s *CoordinatorService) handleMockTurn(c echo.Context) error {
	s.coordinator.NotifyActivity()
	s.coordinator.Wake(c.Request().Context())
	return c.NoContent(http.StatusAccepted)
}

// handleOverlayWS bridges one browser's overlay websocket connection to
// the shared overlay.Bus: every Bus frame is forwarded out, and every
// inbound frame (talk:done acks, mock-chat fixtures) is routed back
// through HandleInbound. Grounded on coordinator/gateway.Persistent's
// use of golang.org/x/net/websocket, the same library already wired
// for the agent-facing transport.
func (s *CoordinatorService) handleOverlayWS(c echo.Context) error {
	bus := s.coordinator.OverlayBus()
	websocket.Handler(func(conn *websocket.Conn) {
		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var frame overlay.Frame
				if err := websocket.JSON.Receive(conn, &frame); err != nil {
					return
				}
				bus.HandleInbound(frame.Channel, frame.Data)
			}
		}()

		for {
			select {
			case frame, ok := <-sub:
				if !ok {
					return
				}
				if err := websocket.JSON.Send(conn, frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}
