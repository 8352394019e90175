package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
	"github.com/hrygo/crawd/coordinator/coord"
	"github.com/hrygo/crawd/coordinator/overlay"
)

type fakeTrigger struct{ replies []string }

func (f *fakeTrigger) Trigger(ctx context.Context, message string) ([]string, error) {
	return f.replies, nil
}

func newTestService(t *testing.T, jwtSecret string) (*echo.Echo, *coord.Coordinator) {
	t.Helper()
	fc := clock.NewFake(time.Now())
	cfg := config.Default()
	bus := overlay.New()
	c := coord.New(fc, nil, cfg, bus, &fakeTrigger{replies: []string{"NO_REPLY"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	e := echo.New()
	New(c, jwtSecret).Register(e)
	return e, c
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, r)
	return rec
}

func TestHandleTalk_EmptyTextReturnsNotSpoken(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodPost, "/crawd/talk", `{"text":""}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"spoken":false`)
}

func TestHandleChatStatus_ReturnsEmptyMapWithNoAdapters(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodGet, "/chat/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", strings.TrimSpace(rec.Body.String()))
}

func TestHandleStatus_ReportsStartupState(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodGet, "/coordinator/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state"`)
}

func TestHandleUpdateConfig_RequiresBearerTokenWhenSecretSet(t *testing.T) {
	e, _ := newTestService(t, "super-secret")
	rec := doRequest(e, http.MethodPost, "/coordinator/config", `{"idleAfterMs":5000}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleUpdateConfig_AppliesPartialWithoutSecret(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodPost, "/coordinator/config", `{"idleAfterMs":12345}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"idleAfterMs":12345`)
}

func TestHandlePlan_NullWhenNoActivePlan(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodGet, "/plan", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestHandlePlanHTML_RendersNoActivePlanMessage(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodGet, "/plan.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no active plan")
}

func TestHandlePlanHTML_RendersActivePlanAsHTML(t *testing.T) {
	e, c := newTestService(t, "")
	c.SetPlan(context.Background(), "grow the stream", []string{"say hi", "run a poll"})

	rec := doRequest(e, http.MethodGet, "/plan.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grow the stream")
}

func TestHandleMockChat_RequiresBearerTokenWhenSecretSet(t *testing.T) {
	e, _ := newTestService(t, "super-secret")
	rec := doRequest(e, http.MethodPost, "/mock/chat", `{"username":"bob","message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMockChat_AcceptsAndIngests(t *testing.T) {
	e, c := newTestService(t, "")
	rec := doRequest(e, http.MethodPost, "/mock/chat", `{"username":"bob","message":"hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return c.Status().LastActivityAt > 0
	}, time.Second, time.Millisecond)
}

func TestHandleMockTurn_WakesCoordinator(t *testing.T) {
	e, c := newTestService(t, "")
	rec := doRequest(e, http.MethodPost, "/mock/turn", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "active", string(c.Status().State))
}

func TestHandleFeed_ReturnsAtomXML(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodGet, "/coordinator/feed.atom", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "atom+xml")
}

func TestHandleMetrics_ExposesPrometheusFormat(t *testing.T) {
	e, _ := newTestService(t, "")
	rec := doRequest(e, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
