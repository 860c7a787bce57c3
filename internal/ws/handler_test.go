package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doc2288/streeming-app/internal/auth"
	"github.com/doc2288/streeming-app/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newChatServer(t *testing.T) (*httptest.Server, *Registry, *auth.TokenService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokens, err := auth.NewTokenService("test-secret-123", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	reg := NewRegistry()
	r := gin.New()
	r.GET("/chat/:streamId", Serve(reg, tokens))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return srv, reg, tokens
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitOnline(t *testing.T, reg *Registry, streamID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Online(streamID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Online(%s) = %d, want %d", streamID, reg.Online(streamID), want)
}

func readChat(t *testing.T, conn *websocket.Conn) ChatMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return msg
}

func TestServeStreamFanout(t *testing.T) {
	srv, reg, tokens := newChatServer(t)
	tokA, _, _ := tokens.IssueAccess("user-a", "a@test.dev", models.RoleUser)
	tokB, _, _ := tokens.IssueAccess("user-b", "b@test.dev", models.RoleUser)

	a := dial(t, srv, "/chat/42?token="+tokA, nil)
	b := dial(t, srv, "/chat/42", http.Header{"Authorization": []string{"Bearer " + tokB}})
	waitOnline(t, reg, "42", 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		msg := readChat(t, conn)
		if msg.Message != "hi" || msg.UserID == nil || *msg.UserID != "user-a" || msg.TS == 0 {
			t.Errorf("%s received %+v", name, msg)
		}
	}

	_ = b.Close()
	waitOnline(t, reg, "42", 1)

	if err := a.WriteMessage(websocket.TextMessage, []byte("still here")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readChat(t, a); msg.Message != "still here" {
		t.Errorf("a received %+v", msg)
	}

	_ = a.Close()
	waitOnline(t, reg, "42", 0)
	if reg.State("42") != RoomAbsent {
		t.Errorf("State(42) = %v, want absent", reg.State("42"))
	}
}

func TestServeInvalidTokenJoinsAnonymously(t *testing.T) {
	srv, reg, _ := newChatServer(t)

	conn := dial(t, srv, "/chat/anon?token=garbage", nil)
	waitOnline(t, reg, "anon", 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msg := readChat(t, conn)
	if msg.UserID != nil {
		t.Errorf("userId = %q, want null", *msg.UserID)
	}
}

func TestServeDropsOversizedMessage(t *testing.T) {
	srv, reg, _ := newChatServer(t)
	conn := dial(t, srv, "/chat/limits", nil)
	waitOnline(t, reg, "limits", 1)

	_ = conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", MaxMessageLength+1)))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("   "))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("ok"))

	if msg := readChat(t, conn); msg.Message != "ok" {
		t.Errorf("first delivered message = %q, want ok", msg.Message)
	}
}

func TestServeRejectedAfterClose(t *testing.T) {
	srv, reg, _ := newChatServer(t)
	reg.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/late"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want going-away close", err)
	}
}

func TestServeLargeFrameKeepsSender(t *testing.T) {
	srv, reg, _ := newChatServer(t)
	conn := dial(t, srv, "/chat/big", nil)
	waitOnline(t, reg, "big", 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 10000))); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	padded := strings.Repeat(" ", 9000) + "padded" + strings.Repeat("\n", 9000)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(padded)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ok")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	if msg := readChat(t, conn); msg.Message != "padded" {
		t.Errorf("first delivered message = %q, want padded", msg.Message)
	}
	if msg := readChat(t, conn); msg.Message != "ok" {
		t.Errorf("second delivered message = %q, want ok", msg.Message)
	}
	if reg.Online("big") != 1 {
		t.Errorf("Online(big) = %d, want 1", reg.Online("big"))
	}
}

func TestServeBinaryFrameTreatedAsText(t *testing.T) {
	srv, reg, _ := newChatServer(t)
	conn := dial(t, srv, "/chat/bin", nil)
	waitOnline(t, reg, "bin", 1)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("  привет  ")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readChat(t, conn); msg.Message != "привет" {
		t.Errorf("message = %q, want привет", msg.Message)
	}
}

func TestServePreservesSendOrder(t *testing.T) {
	srv, reg, tokens := newChatServer(t)
	tokA, _, _ := tokens.IssueAccess("user-a", "a@test.dev", models.RoleUser)

	a := dial(t, srv, "/chat/order?token="+tokA, nil)
	b := dial(t, srv, "/chat/order", nil)
	waitOnline(t, reg, "order", 2)

	const n = 20
	for i := 0; i < n; i++ {
		if err := a.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("WriteMessage(m%d) error = %v", i, err)
		}
	}
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		for i := 0; i < n; i++ {
			want := fmt.Sprintf("m%d", i)
			if msg := readChat(t, conn); msg.Message != want {
				t.Fatalf("%s message #%d = %q, want %q", name, i, msg.Message, want)
			}
		}
	}
}
