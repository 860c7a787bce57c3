package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func fakeClient(streamID string, userID *string) *Client {
	return newClient(nil, streamID, userID)
}

func recv(t *testing.T, c *Client) ChatMessage {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		return msg
	default:
		t.Fatal("no message queued")
	}
	return ChatMessage{}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Errorf("unexpected message %s", raw)
	default:
	}
}

func TestRoomStateTransitions(t *testing.T) {
	rm := newRoom("s")
	a, b := fakeClient("s", nil), fakeClient("s", nil)

	if rm.State() != RoomAbsent {
		t.Fatalf("new room state = %v, want absent", rm.State())
	}
	if !rm.add(a) || rm.State() != RoomActive || rm.Len() != 1 {
		t.Fatalf("after add(a): state=%v len=%d", rm.State(), rm.Len())
	}
	if rm.add(a) {
		t.Error("add() of existing member should return false")
	}
	rm.add(b)
	if !rm.remove(a) || rm.State() != RoomActive || rm.Len() != 1 {
		t.Fatalf("after remove(a): state=%v len=%d", rm.State(), rm.Len())
	}
	if rm.remove(a) {
		t.Error("remove() of non-member should return false")
	}
	if !rm.remove(b) || rm.State() != RoomAbsent {
		t.Errorf("after remove(b): state=%v, want absent", rm.State())
	}
}

func TestRegistryJoinLeave(t *testing.T) {
	reg := NewRegistry()
	a, b := fakeClient("7", nil), fakeClient("7", nil)

	if reg.State("7") != RoomAbsent || reg.Online("7") != 0 {
		t.Fatal("unknown room should be absent with 0 online")
	}
	before := reg.RoomCount()

	if err := reg.Join("7", a); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := reg.Join("7", b); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if reg.RoomCount() != before+1 || reg.Online("7") != 2 || reg.State("7") != RoomActive {
		t.Fatalf("after joins: rooms=%d online=%d", reg.RoomCount(), reg.Online("7"))
	}

	reg.Leave("7", a)
	if reg.Online("7") != 1 {
		t.Errorf("Online() after one leave = %d, want 1", reg.Online("7"))
	}
	reg.Leave("7", b)
	if reg.RoomCount() != before || reg.State("7") != RoomAbsent {
		t.Errorf("last leave must remove the room: rooms=%d state=%v", reg.RoomCount(), reg.State("7"))
	}

	// 重复离开是空操作
	reg.Leave("7", b)
	if reg.RoomCount() != before {
		t.Errorf("RoomCount() after repeated leave = %d, want %d", reg.RoomCount(), before)
	}
}

func TestRegistryBroadcastIncludesSender(t *testing.T) {
	reg := NewRegistry()
	fixed := time.UnixMilli(1700000000000)
	reg.now = func() time.Time { return fixed }

	a := fakeClient("42", strPtr("user-a"))
	b := fakeClient("42", strPtr("user-b"))
	anon := fakeClient("42", nil)
	other := fakeClient("43", strPtr("user-c"))
	for _, c := range []*Client{a, b, anon, other} {
		if err := reg.Join(c.streamID, c); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}

	if n := reg.Broadcast("42", a, "  hi  "); n != 3 {
		t.Errorf("Broadcast() delivered = %d, want 3", n)
	}
	for _, c := range []*Client{a, b, anon} {
		msg := recv(t, c)
		if msg.Message != "hi" || msg.TS != fixed.UnixMilli() {
			t.Errorf("message = %+v", msg)
		}
		if msg.UserID == nil || *msg.UserID != "user-a" {
			t.Errorf("userId = %v, want user-a", msg.UserID)
		}
	}
	assertEmpty(t, other)

	reg.Broadcast("42", anon, "from nobody")
	msg := recv(t, a)
	if msg.UserID != nil {
		t.Errorf("anonymous userId = %v, want nil", *msg.UserID)
	}
}

func TestRegistryBroadcastAnonymousEncodesNull(t *testing.T) {
	reg := NewRegistry()
	anon := fakeClient("s", nil)
	_ = reg.Join("s", anon)
	reg.Broadcast("s", anon, "hello")

	raw := <-anon.send
	if !strings.Contains(string(raw), `"userId":null`) {
		t.Errorf("payload = %s, want userId null", raw)
	}
}

func TestRegistryBroadcastValidation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"exactly max", strings.Repeat("a", MaxMessageLength), 1},
		{"over max", strings.Repeat("a", MaxMessageLength+1), 0},
		{"max multibyte", strings.Repeat("ж", MaxMessageLength), 1},
		{"max after trim", "  " + strings.Repeat("a", MaxMessageLength) + "\n", 1},
		{"empty", "", 0},
		{"whitespace", " \t\n ", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			c := fakeClient("v", nil)
			_ = reg.Join("v", c)
			if got := reg.Broadcast("v", c, tt.text); got != tt.want {
				t.Errorf("Broadcast() = %d, want %d", got, tt.want)
			}
			if tt.want == 0 {
				assertEmpty(t, c)
			}
		})
	}
}

func TestRegistryBroadcastEvictsFailedRecipient(t *testing.T) {
	reg := NewRegistry()
	a := fakeClient("s", strPtr("a"))
	slow := fakeClient("s", strPtr("slow"))
	_ = reg.Join("s", a)
	_ = reg.Join("s", slow)

	for i := 0; i < sendBufferSize; i++ {
		slow.send <- []byte("x")
	}

	if n := reg.Broadcast("s", a, "hello"); n != 1 {
		t.Errorf("Broadcast() delivered = %d, want 1", n)
	}
	if reg.Online("s") != 1 {
		t.Errorf("Online() = %d, want 1 after eviction", reg.Online("s"))
	}
	if slow.enqueue([]byte("late")) {
		t.Error("enqueue() on evicted client should fail")
	}
	recv(t, a)

	if n := reg.Broadcast("s", a, "again"); n != 1 {
		t.Errorf("second Broadcast() delivered = %d, want 1", n)
	}
}

func TestRegistryBroadcastToMissingRoom(t *testing.T) {
	reg := NewRegistry()
	c := fakeClient("gone", nil)
	if n := reg.Broadcast("gone", c, "hi"); n != 0 {
		t.Errorf("Broadcast() = %d, want 0", n)
	}
}

func TestRegistryRooms(t *testing.T) {
	reg := NewRegistry()
	for i, id := range []string{"a", "b", "b", "c", "c", "c"} {
		_ = reg.Join(id, fakeClient(id, strPtr(string(rune('0'+i)))))
	}
	got := map[string]int{}
	for _, r := range reg.Rooms() {
		got[r.StreamID] = r.Online
	}
	want := map[string]int{"a": 1, "b": 2, "c": 3}
	if len(got) != len(want) {
		t.Fatalf("Rooms() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Rooms()[%s] = %d, want %d", k, got[k], v)
		}
	}
}

func TestRegistryConcurrent(t *testing.T) {
	reg := NewRegistry()
	const streams, perStream = 8, 25

	clients := make([][]*Client, streams)
	var wg sync.WaitGroup
	for s := 0; s < streams; s++ {
		id := string(rune('a' + s))
		clients[s] = make([]*Client, perStream)
		for i := range clients[s] {
			clients[s][i] = fakeClient(id, nil)
		}
		for _, c := range clients[s] {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				_ = reg.Join(c.streamID, c)
				reg.Broadcast(c.streamID, c, "hi")
			}(c)
		}
	}
	wg.Wait()

	if reg.RoomCount() != streams {
		t.Errorf("RoomCount() = %d, want %d", reg.RoomCount(), streams)
	}
	for s := 0; s < streams; s++ {
		if got := reg.Online(string(rune('a' + s))); got != perStream {
			t.Errorf("Online(%c) = %d, want %d", 'a'+s, got, perStream)
		}
	}

	for s := range clients {
		for _, c := range clients[s] {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				reg.Leave(c.streamID, c)
			}(c)
		}
	}
	wg.Wait()
	if reg.RoomCount() != 0 {
		t.Errorf("RoomCount() after all leaves = %d, want 0", reg.RoomCount())
	}
}

func TestRegistryClose(t *testing.T) {
	reg := NewRegistry()
	a := fakeClient("s", nil)
	_ = reg.Join("s", a)

	reg.Close()

	if reg.RoomCount() != 0 {
		t.Errorf("RoomCount() after Close = %d, want 0", reg.RoomCount())
	}
	if _, ok := <-a.send; ok {
		t.Error("member send channel should be closed")
	}
	if err := reg.Join("s", fakeClient("s", nil)); err != ErrRegistryClosed {
		t.Errorf("Join() after Close error = %v, want ErrRegistryClosed", err)
	}
	// Close 之后读协程的 Leave 必须是空操作
	reg.Leave("s", a)
}

func TestRegistryBroadcastKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	a := fakeClient("o", strPtr("a"))
	b := fakeClient("o", strPtr("b"))
	_ = reg.Join("o", a)
	_ = reg.Join("o", b)

	const n = 20
	for i := 0; i < n; i++ {
		reg.Broadcast("o", a, fmt.Sprintf("m%d", i))
	}
	for _, c := range []*Client{a, b} {
		for i := 0; i < n; i++ {
			if msg := recv(t, c); msg.Message != fmt.Sprintf("m%d", i) {
				t.Fatalf("message #%d = %q, want m%d", i, msg.Message, i)
			}
		}
	}
}

func TestRegistryBroadcastNilSender(t *testing.T) {
	reg := NewRegistry()
	c := fakeClient("n", strPtr("member"))
	_ = reg.Join("n", c)

	if got := reg.Broadcast("n", nil, "system"); got != 1 {
		t.Fatalf("Broadcast() = %d, want 1", got)
	}
	if msg := recv(t, c); msg.UserID != nil || msg.Message != "system" {
		t.Errorf("message = %+v, want anonymous system", msg)
	}
}
