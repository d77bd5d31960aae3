package session

import (
	"time"

	"tilesync/grid"
	"tilesync/protocol"
)

// ConnID 连接标识（对核心逻辑不透明）
type ConnID string

// DefaultFacing 新玩家的默认朝向
const DefaultFacing = grid.DownRight

// Player 服务端权威的玩家状态
type Player struct {
	ID     ConnID
	Cell   grid.Cell
	Facing grid.Direction
	Map    string

	// movingUntil 之前视为仍在移动中，新的移动请求会被拒绝
	movingUntil time.Time
}

// IsMoving 在 now 时刻是否仍处于上一步的过渡中
func (p *Player) IsMoving(now time.Time) bool {
	return now.Before(p.movingUntil)
}

func (p *Player) state() protocol.PlayerState {
	return protocol.PlayerState{ID: string(p.ID), X: p.Cell.X, Y: p.Cell.Y, Direction: p.Facing}
}

// MoveableTile 可推动的障碍物
type MoveableTile struct {
	Cell      grid.Cell
	TileIndex int
	Map       string
}

// Transport 把已编码的消息投递给某个连接。实现必须是非阻塞的：
// 它会在注册表锁内被调用，以保证广播范围与投递时刻的地图归属一致。
type Transport interface {
	Send(id ConnID, payload []byte)
}
