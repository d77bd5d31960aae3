package protocol

import (
	"encoding/json"

	"tilesync/grid"
)

// 服务端 -> 客户端
const (
	TypeWelcome      = "welcome"
	TypeMapSnapshot  = "map-snapshot"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypePeerMoved    = "peer-moved"
	TypeTileUpdated  = "tile-updated"
	TypeMoveRejected = "move-rejected"
	TypeSignalEvent  = "signal"
	TypeSaveRecord   = "save-record"
	TypeError        = "error"
)

// PlayerState 广播给客户端的玩家状态
type PlayerState struct {
	ID        string         `json:"id"`
	X         int            `json:"x"`
	Y         int            `json:"y"`
	Direction grid.Direction `json:"direction" jsonschema:"type=string,enum=up-left,enum=up-right,enum=down-right,enum=down-left"`
}

// TileState 可推动瓦片的位置
type TileState struct {
	X         int `json:"x"`
	Y         int `json:"y"`
	TileIndex int `json:"tileIndex"`
}

type Welcome struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// MapSnapshot 加入地图时只发给本人的完整快照
type MapSnapshot struct {
	Type          string        `json:"type"`
	Map           string        `json:"map"`
	Self          PlayerState   `json:"self"`
	Players       []PlayerState `json:"players"`
	MoveableTiles []TileState   `json:"moveableTiles"`
}

type PeerJoined struct {
	Type string `json:"type"`
	PlayerState
}

type PeerLeft struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PeerMoved 不会发给移动者本人
type PeerMoved struct {
	Type string `json:"type"`
	PlayerState
	SpeedMultiplier int `json:"speedMultiplier"`
}

// TileUpdated 发给同地图所有连接（包括推动者本人），ActingID 用于区分自己的推动。
// Rejected 为 true 时 Old == New，表示瓦片的权威位置。
type TileUpdated struct {
	Type      string    `json:"type"`
	Old       grid.Cell `json:"old"`
	New       grid.Cell `json:"new"`
	TileIndex int       `json:"tileIndex"`
	ActingID  string    `json:"actingId"`
	Rejected  bool      `json:"rejected,omitempty"`
}

// MoveRejected 让乐观客户端回滚到 Current
type MoveRejected struct {
	Type          string      `json:"type"`
	RequestedCell grid.Cell   `json:"requestedCell"`
	Reason        string      `json:"reason"`
	Seq           int64       `json:"seq,omitempty"`
	Current       PlayerState `json:"current"`
}

type SignalEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SaveRecord 会话存档，对核心逻辑而言是不透明数据
type SaveRecord struct {
	Type       string            `json:"type"`
	Session    string            `json:"session"`
	Map        string            `json:"map"`
	X          int               `json:"x"`
	Y          int               `json:"y"`
	StoryFlags map[string]string `json:"storyFlags"`
}

type Error struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewWelcome(id string) Welcome { return Welcome{Type: TypeWelcome, ID: id} }

func NewMapSnapshot(mapKey string, self PlayerState, players []PlayerState, tiles []TileState) MapSnapshot {
	if players == nil {
		players = []PlayerState{}
	}
	if tiles == nil {
		tiles = []TileState{}
	}
	return MapSnapshot{Type: TypeMapSnapshot, Map: mapKey, Self: self, Players: players, MoveableTiles: tiles}
}

func NewPeerJoined(p PlayerState) PeerJoined { return PeerJoined{Type: TypePeerJoined, PlayerState: p} }

func NewPeerLeft(id string) PeerLeft { return PeerLeft{Type: TypePeerLeft, ID: id} }

func NewPeerMoved(p PlayerState, speed int) PeerMoved {
	return PeerMoved{Type: TypePeerMoved, PlayerState: p, SpeedMultiplier: speed}
}

func NewTileUpdated(from, to grid.Cell, tileIndex int, actingID string) TileUpdated {
	return TileUpdated{Type: TypeTileUpdated, Old: from, New: to, TileIndex: tileIndex, ActingID: actingID}
}

// NewTileRejected 推动失败时广播瓦片的权威位置
func NewTileRejected(at grid.Cell, tileIndex int, actingID string) TileUpdated {
	return TileUpdated{Type: TypeTileUpdated, Old: at, New: at, TileIndex: tileIndex, ActingID: actingID, Rejected: true}
}

func NewMoveRejected(requested grid.Cell, reason string, seq int64, current PlayerState) MoveRejected {
	return MoveRejected{Type: TypeMoveRejected, RequestedCell: requested, Reason: reason, Seq: seq, Current: current}
}

func NewSignalEvent(id, name string) SignalEvent {
	return SignalEvent{Type: TypeSignalEvent, ID: id, Name: name}
}

func NewSaveRecord(session, mapKey string, cell grid.Cell, flags map[string]string) SaveRecord {
	if flags == nil {
		flags = map[string]string{}
	}
	return SaveRecord{Type: TypeSaveRecord, Session: session, Map: mapKey, X: cell.X, Y: cell.Y, StoryFlags: flags}
}

func NewError(reason string) Error { return Error{Type: TypeError, Reason: reason} }

// Encode 序列化出站消息
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
