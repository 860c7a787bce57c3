package ws

// RoomState 显式表示房间是否存在；房间是否存在只取决于成员数。
type RoomState uint8

const (
	RoomAbsent RoomState = iota
	RoomActive
)

func (s RoomState) String() string {
	if s == RoomActive {
		return "active"
	}
	return "absent"
}

// Room 是单个直播流的成员集合。它本身不加锁，由所属 shard 的锁保护。
type Room struct {
	streamID string
	state    RoomState
	members  map[*Client]struct{}
}

func newRoom(streamID string) *Room {
	return &Room{streamID: streamID, state: RoomAbsent, members: make(map[*Client]struct{})}
}

// add: Absent -> Active(1)，Active(n) -> Active(n+1)。重复加入返回 false。
func (rm *Room) add(c *Client) bool {
	if _, ok := rm.members[c]; ok {
		return false
	}
	rm.members[c] = struct{}{}
	rm.state = RoomActive
	return true
}

// remove: Active(n) -> Active(n-1)，最后一个成员离开时 Active(1) -> Absent。
func (rm *Room) remove(c *Client) bool {
	if _, ok := rm.members[c]; !ok {
		return false
	}
	delete(rm.members, c)
	if len(rm.members) == 0 {
		rm.state = RoomAbsent
	}
	return true
}

func (rm *Room) snapshot() []*Client {
	out := make([]*Client, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	return out
}

func (rm *Room) State() RoomState { return rm.state }

func (rm *Room) Len() int { return len(rm.members) }
