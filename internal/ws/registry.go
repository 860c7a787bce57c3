package ws

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/doc2288/streeming-app/internal/metrics"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

const (
	// MaxMessageLength 按 Unicode 字符计数，在去除首尾空白之后判断。
	MaxMessageLength = 500

	shardCount = 32
)

var ErrRegistryClosed = errors.New("chat registry closed")

// ChatMessage 是广播给房间成员的消息信封，匿名连接的 userId 为 null。
type ChatMessage struct {
	UserID  *string `json:"userId"`
	Message string  `json:"message"`
	TS      int64   `json:"ts"`
}

// RoomInfo 是房间列表中的一项。
type RoomInfo struct {
	StreamID string `json:"streamId"`
	Online   int    `json:"online"`
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// Registry 按 streamID 哈希分片管理房间，不同分片上的房间互不阻塞。
type Registry struct {
	shards [shardCount]*shard
	closed atomic.Bool
	now    func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*Room)}
	}
	return r
}

func (r *Registry) shardFor(streamID string) *shard {
	return r.shards[xxhash.Sum64String(streamID)%shardCount]
}

// Join 把客户端加入房间，房间不存在时创建。
func (r *Registry) Join(streamID string, c *Client) error {
	sh := r.shardFor(streamID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	room, ok := sh.rooms[streamID]
	if !ok {
		room = newRoom(streamID)
		sh.rooms[streamID] = room
		metrics.ChatRoomsActive.Inc()
	}
	if room.add(c) {
		metrics.WsConnections.Inc()
	}
	return nil
}

// Leave 移除成员；最后一个成员离开时房间从注册表中删除。
func (r *Registry) Leave(streamID string, c *Client) {
	sh := r.shardFor(streamID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	room, ok := sh.rooms[streamID]
	if !ok || !room.remove(c) {
		return
	}
	metrics.WsConnections.Dec()
	if room.State() == RoomAbsent {
		delete(sh.rooms, streamID)
		metrics.ChatRoomsActive.Dec()
	}
}

// Broadcast 校验并向房间全部成员（包括发送者）投递一条消息，返回成功投递数。
// from 为 nil 时按匿名发送。
// 成员列表在锁内做快照，投递在锁外进行；投递失败的成员在本轮结束后被移除。
func (r *Registry) Broadcast(streamID string, from *Client, raw string) int {
	text := strings.TrimSpace(raw)
	if text == "" || utf8.RuneCountInString(text) > MaxMessageLength {
		metrics.WsRejectedTotal.Inc()
		return 0
	}

	sh := r.shardFor(streamID)
	sh.mu.RLock()
	room, ok := sh.rooms[streamID]
	var members []*Client
	if ok {
		members = room.snapshot()
	}
	sh.mu.RUnlock()
	if len(members) == 0 {
		return 0
	}

	var uid *string
	if from != nil {
		uid = from.UserID()
	}
	payload, err := json.Marshal(ChatMessage{UserID: uid, Message: text, TS: r.now().UnixMilli()})
	if err != nil {
		log.Error().Err(err).Str("stream", streamID).Msg("encode chat message")
		return 0
	}
	metrics.WsMessagesTotal.Inc()

	delivered := 0
	var failed []*Client
	for _, m := range members {
		if m.enqueue(payload) {
			delivered++
		} else {
			failed = append(failed, m)
		}
	}
	for _, m := range failed {
		r.Leave(streamID, m)
		m.close()
		metrics.WsDroppedTotal.Inc()
	}
	if len(failed) > 0 {
		log.Debug().Str("stream", streamID).Int("evicted", len(failed)).Msg("chat recipients evicted")
	}
	return delivered
}

// RoomCount 返回存在的房间数。
func (r *Registry) RoomCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.rooms)
		sh.mu.RUnlock()
	}
	return n
}

// Online 返回房间当前成员数，房间不存在时为 0。
func (r *Registry) Online(streamID string) int {
	sh := r.shardFor(streamID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if room, ok := sh.rooms[streamID]; ok {
		return room.Len()
	}
	return 0
}

func (r *Registry) State(streamID string) RoomState {
	sh := r.shardFor(streamID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if room, ok := sh.rooms[streamID]; ok {
		return room.State()
	}
	return RoomAbsent
}

// Rooms 返回所有房间的快照，顺序不固定。
func (r *Registry) Rooms() []RoomInfo {
	var out []RoomInfo
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, room := range sh.rooms {
			out = append(out, RoomInfo{StreamID: id, Online: room.Len()})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Close 拒绝新的加入并关闭所有成员的发送队列，写协程随后发送关闭帧并断开连接。
func (r *Registry) Close() {
	r.closed.Store(true)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, room := range sh.rooms {
			for _, c := range room.snapshot() {
				room.remove(c)
				c.close()
				metrics.WsConnections.Dec()
			}
			delete(sh.rooms, id)
			metrics.ChatRoomsActive.Dec()
		}
		sh.mu.Unlock()
	}
}
