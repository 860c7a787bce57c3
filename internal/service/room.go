package service

import (
	"sort"

	"github.com/doc2288/streeming-app/internal/ws"
)

// RoomService 对外提供聊天房间的只读视图。
type RoomService struct {
	reg *ws.Registry
}

func NewRoomService(reg *ws.Registry) *RoomService {
	return &RoomService{reg: reg}
}

// List 按在线人数降序返回房间，人数相同按 streamId 升序；limit<=0 或超过 200 时取 100。
func (s *RoomService) List(limit int) []ws.RoomInfo {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rooms := s.reg.Rooms()
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Online != rooms[j].Online {
			return rooms[i].Online > rooms[j].Online
		}
		return rooms[i].StreamID < rooms[j].StreamID
	})
	if len(rooms) > limit {
		rooms = rooms[:limit]
	}
	if rooms == nil {
		rooms = []ws.RoomInfo{}
	}
	return rooms
}

// Get 返回单个房间；房间不存在（没有成员）时返回 ErrNotFound。
func (s *RoomService) Get(streamID string) (*ws.RoomInfo, error) {
	if s.reg.State(streamID) != ws.RoomActive {
		return nil, ErrNotFound
	}
	return &ws.RoomInfo{StreamID: streamID, Online: s.reg.Online(streamID)}, nil
}

// Total 返回当前存在的房间数。
func (s *RoomService) Total() int {
	return s.reg.RoomCount()
}
