package session

import (
	"errors"
	"sync/atomic"
	"time"

	"tilesync/grid"
	"tilesync/protocol"
)

const (
	// DefaultStepDuration 客户端一步动画的时长（125ms * 1.6）
	DefaultStepDuration = 200 * time.Millisecond
	// DefaultStepTolerance 网络抖动容差，从过渡锁中扣除
	DefaultStepTolerance = 80 * time.Millisecond

	baseSpeed = 1
	slowSpeed = 2 // 推动或涉水
)

// Outcome 一次移动请求的处理结果
type Outcome struct {
	Player    ConnID
	Direction grid.Direction
	From      grid.Cell
	Target    grid.Cell

	Accepted        bool
	SpeedMultiplier int
	Err             error

	// Settled 位置报告与服务端一致，没有任何修改
	Settled bool

	// Pushed 目标格上有可推动瓦片（无论推动是否成功）
	Pushed    bool
	TileIndex int
	PushTo    grid.Cell
}

// Validator 判定移动/推动是否合法并提交到 Registry。
// 每个请求从校验到修改再到广播都持有 Registry 的写锁，不同连接的请求不会交错。
type Validator struct {
	reg *Registry
	now func() time.Time

	step      atomic.Int64
	tolerance atomic.Int64
}

type ValidatorOption func(*Validator)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func WithTiming(step, tolerance time.Duration) ValidatorOption {
	return func(v *Validator) { v.SetTiming(step, tolerance) }
}

func NewValidator(reg *Registry, opts ...ValidatorOption) *Validator {
	v := &Validator{reg: reg, now: time.Now}
	v.SetTiming(DefaultStepDuration, DefaultStepTolerance)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetTiming 运行时调整过渡锁时长
func (v *Validator) SetTiming(step, tolerance time.Duration) {
	if step < 0 {
		step = 0
	}
	if tolerance < 0 {
		tolerance = 0
	}
	v.step.Store(int64(step))
	v.tolerance.Store(int64(tolerance))
}

func (v *Validator) Timing() (step, tolerance time.Duration) {
	return time.Duration(v.step.Load()), time.Duration(v.tolerance.Load())
}

// Move 玩家朝 dir 走一步。目标格有可推动瓦片时按同方向推动。
// 只有连接未加入任何地图时返回 error；其余拒绝通过 Outcome.Err 表达，并已通知客户端。
func (v *Validator) Move(id ConnID, dir grid.Direction, seq int64) (Outcome, error) {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()

	rm, p, err := v.reg.playerLocked(id)
	if err != nil {
		return Outcome{}, err
	}
	return v.stepLocked(rm, p, dir, seq, false), nil
}

// Push 显式推动请求：from 必须是玩家的斜向邻格，to 必须是 from 同方向的下一格。
// 位置总是以服务端记录为准，客户端给出的坐标只用来推断方向。
func (v *Validator) Push(id ConnID, from, to grid.Cell, tileIndex int, seq int64) (Outcome, error) {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()

	rm, p, err := v.reg.playerLocked(id)
	if err != nil {
		return Outcome{}, err
	}

	dir, ok := grid.DirectionBetween(p.Cell, from)
	if p.IsMoving(v.now()) {
		o := Outcome{Player: id, Direction: dir, From: p.Cell, Target: from}
		if idx, has := rm.tiles[from]; has {
			o.Pushed, o.TileIndex = true, idx
		}
		return v.rejectLocked(rm, p, o, seq, ErrBusy), nil
	}
	if !ok || grid.Neighbor(from, dir) != to {
		o := Outcome{Player: id, From: p.Cell, Target: from}
		if idx, has := rm.tiles[from]; has {
			o.Pushed, o.TileIndex = true, idx
		}
		return v.rejectLocked(rm, p, o, seq, ErrInvalidPush), nil
	}
	if idx, has := rm.tiles[from]; has && tileIndex != 0 && tileIndex != idx {
		o := Outcome{Player: id, Direction: dir, From: p.Cell, Target: from, Pushed: true, TileIndex: idx}
		return v.rejectLocked(rm, p, o, seq, ErrTileNotFound), nil
	}
	return v.stepLocked(rm, p, dir, seq, true), nil
}

// Report 处理旧客户端的位置报告：at 等于服务端位置时不做任何事（推动已经让玩家走到这里），
// at 是 dir 方向的邻格时按 Move 处理，否则拒绝并让客户端回到服务端位置。
func (v *Validator) Report(id ConnID, at grid.Cell, dir grid.Direction, seq int64) (Outcome, error) {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()

	rm, p, err := v.reg.playerLocked(id)
	if err != nil {
		return Outcome{}, err
	}
	switch at {
	case p.Cell:
		return Outcome{Player: id, Direction: dir, From: p.Cell, Target: p.Cell, Accepted: true, Settled: true}, nil
	case grid.Neighbor(p.Cell, dir):
		return v.stepLocked(rm, p, dir, seq, false), nil
	}
	o := Outcome{Player: id, Direction: dir, From: p.Cell, Target: at}
	return v.rejectLocked(rm, p, o, seq, ErrPositionMismatch), nil
}

func (v *Validator) stepLocked(rm *room, p *Player, dir grid.Direction, seq int64, requirePush bool) Outcome {
	now := v.now()
	o := Outcome{Player: p.ID, Direction: dir, From: p.Cell, Target: grid.Neighbor(p.Cell, dir)}

	if !dir.Valid() {
		return v.rejectLocked(rm, p, o, seq, ErrInvalidDirection)
	}
	if p.IsMoving(now) {
		return v.rejectLocked(rm, p, o, seq, ErrBusy)
	}

	tm := rm.tm
	speed := baseSpeed
	idx, occupied := rm.tiles[o.Target]
	switch {
	case occupied:
		o.Pushed, o.TileIndex = true, idx
		o.PushTo = grid.Neighbor(o.Target, dir)
		switch {
		case !tm.InBounds(o.PushTo):
			return v.rejectLocked(rm, p, o, seq, ErrOutOfBounds)
		case !tm.IsPassableGround(o.PushTo), tm.IsWater(o.PushTo):
			return v.rejectLocked(rm, p, o, seq, ErrImpassable)
		}
		if err := relocateLocked(rm, o.Target, o.PushTo, idx); err != nil {
			return v.rejectLocked(rm, p, o, seq, err)
		}
		speed = slowSpeed

	case requirePush:
		return v.rejectLocked(rm, p, o, seq, ErrTileNotFound)

	default:
		if !tm.InBounds(o.Target) {
			return v.rejectLocked(rm, p, o, seq, ErrOutOfBounds)
		}
		if !tm.IsPassableGround(o.Target) {
			return v.rejectLocked(rm, p, o, seq, ErrImpassable)
		}
		if tm.IsWater(o.Target) {
			speed = slowSpeed
		}
	}

	step, tol := v.Timing()
	p.movingUntil = now.Add(step*time.Duration(speed) - tol)

	if o.Pushed {
		v.reg.publishLocked(rm, "", protocol.NewTileUpdated(o.Target, o.PushTo, idx, string(p.ID)))
	}
	v.reg.setPositionLocked(rm, p, o.Target, dir, speed)

	o.Accepted = true
	o.SpeedMultiplier = speed
	return o
}

// rejectLocked 不修改任何状态；通知请求者回滚，推动失败时再广播瓦片的权威位置
func (v *Validator) rejectLocked(rm *room, p *Player, o Outcome, seq int64, err error) Outcome {
	o.Err = err
	v.reg.sendLocked(p.ID, protocol.NewMoveRejected(o.Target, Reason(err), seq, p.state()))
	if o.Pushed {
		v.reg.publishLocked(rm, "", protocol.NewTileRejected(o.Target, o.TileIndex, string(p.ID)))
	}
	if !errors.Is(err, ErrBusy) {
		v.reg.log.Debugw("move rejected", "conn", p.ID, "map", rm.key, "from", o.From, "target", o.Target, "reason", Reason(err))
	}
	return o
}
