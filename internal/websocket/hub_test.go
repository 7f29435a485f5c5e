package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pickup/mediator/internal/auth/jwt"
	"pickup/mediator/internal/domain"
	"pickup/mediator/internal/middleware"
	"pickup/mediator/internal/service"
	"pickup/mediator/internal/storage/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testManager = jwt.NewManager(testSecret, "pickup", time.Hour)

func setupHub(t *testing.T) (*Hub, *httptest.Server, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := memory.NewStore()
	require.NoError(t, err)
	svc := service.NewPickupService(store, nil, nil)
	hub := NewHub(service.NewDispatcher(service.Routes(svc), nil, nil), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", middleware.NewIngressAuth(testManager, nil).RequireIngress(), HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, store
}

func ingressHeader(t *testing.T) http.Header {
	t.Helper()
	token, err := testManager.IssueScoped("agent-runtime", jwt.ScopeIngress)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.AccessToken)
	return header
}

func dial(t *testing.T, srv *httptest.Server, verkey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := ingressHeader(t)
	header.Set(middleware.HeaderSenderVerkey, verkey)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg string) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_ReturnRouteSession(t *testing.T) {
	hub, srv, store := setupHub(t)
	require.NoError(t, store.AddMessage(context.Background(), "K", []byte("A")))

	conn := dial(t, srv, "K")
	assert.Eventually(t, func() bool {
		_, ok := hub.SessionForKey("K")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	session, ok := hub.SessionForKey("K")
	require.True(t, ok)
	assert.Equal(t, "K", session.VerKey())

	out := roundTrip(t, conn, `{"@type":"`+domain.TypeStatusRequest+`","@id":"s1","~transport":{"return_route":"all"}}`)
	assert.Equal(t, domain.TypeStatus, out["@type"])
	assert.EqualValues(t, 1, out["message_count"])
	assert.Equal(t, "s1", out["~thread"].(map[string]any)["thid"])

	out = roundTrip(t, conn, `{"@type":"`+domain.TypeDeliveryRequest+`","@id":"d1","limit":5,"~transport":{"return_route":"all"}}`)
	assert.Equal(t, domain.TypeDelivery, out["@type"])
	assert.Len(t, out["~attach"], 1)
}

func TestHub_ProblemReport(t *testing.T) {
	_, srv, _ := setupHub(t)
	conn := dial(t, srv, "K")

	out := roundTrip(t, conn, `{"@type":"`+domain.TypeStatusRequest+`","@id":"s1"}`)
	assert.Equal(t, domain.TypeProblemReport, out["@type"])
	assert.Equal(t, domain.ProblemReturnRoute, out["description"].(map[string]any)["code"])
	assert.Equal(t, "s1", out["~thread"].(map[string]any)["thid"])

	out = roundTrip(t, conn, `not json`)
	assert.Equal(t, domain.ProblemMalformed, out["description"].(map[string]any)["code"])
}

func TestHub_SessionRemovedOnClose(t *testing.T) {
	hub, srv, _ := setupHub(t)
	conn := dial(t, srv, "K")

	assert.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, ok := hub.SessionForKey("K")
		return !ok && hub.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RequiresVerkey(t *testing.T) {
	_, srv, _ := setupHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, ingressHeader(t))
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_RejectsUnauthenticatedVerkey(t *testing.T) {
	hub, srv, _ := setupHub(t)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set(middleware.HeaderSenderVerkey, "VICTIM")
	for _, url := range []string{base, base + "?verkey=VICTIM"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	_, ok := hub.SessionForKey("VICTIM")
	assert.False(t, ok)
}

func TestClient_SendAfterClose(t *testing.T) {
	hub, srv, _ := setupHub(t)
	dial(t, srv, "K")
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	session, ok := hub.SessionForKey("K")
	require.True(t, ok)
	hub.closeAllClients()
	assert.ErrorIs(t, session.Send(context.Background(), []byte("x")), ErrSessionClosed)
}
