// Package session 按地图划分的权威玩家/可推动瓦片状态，以及移动校验。
//
// Registry 是唯一的可变状态来源，所有修改和按地图范围的广播都在同一把锁内完成。
package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/zyedidia/generic/mapset"
	"go.uber.org/zap"

	"tilesync/grid"
	"tilesync/protocol"
	"tilesync/tilemap"
)

// Registry 所有地图实例的玩家与可推动瓦片
type Registry struct {
	mu deadlock.RWMutex

	maps tilemap.Provider
	out  Transport
	log  *zap.SugaredLogger

	rooms map[string]*room
	conns map[ConnID]string // 连接 -> 当前所在地图
}

// room 单个地图实例（广播范围）
type room struct {
	key     string
	tm      *tilemap.Map
	players map[ConnID]*Player
	tiles   map[grid.Cell]int
}

// Option Registry 可选配置
type Option func(*Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(maps tilemap.Provider, out Transport, opts ...Option) *Registry {
	r := &Registry{
		maps:  maps,
		out:   out,
		log:   zap.NewNop().Sugar(),
		rooms: make(map[string]*room),
		conns: make(map[ConnID]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// mapFor 在 Registry 锁外取得地图数据，首次加载（读文件、解析）不阻塞其他地图
func (r *Registry) mapFor(key string) (*tilemap.Map, error) {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if ok {
		return rm.tm, nil
	}
	return r.maps.Map(key)
}

// roomLocked 取得地图实例，首次访问时用已加载的 tm 创建并登记 Moveable 图层
func (r *Registry) roomLocked(key string, tm *tilemap.Map) *room {
	if rm, ok := r.rooms[key]; ok {
		return rm
	}
	rm := &room{
		key:     key,
		tm:      tm,
		players: make(map[ConnID]*Player),
		tiles:   make(map[grid.Cell]int),
	}
	r.rooms[key] = rm
	r.initMoveablesLocked(rm, tm.Moveables())
	r.log.Infow("map instance created", "map", key, "width", tm.Width, "height", tm.Height, "moveables", len(rm.tiles))
	return rm
}

// AddPlayer 玩家首次出现在某地图。连接已存在（任何地图）时返回 ErrDuplicateConnection。
func (r *Registry) AddPlayer(mapKey string, id ConnID, spawn grid.Cell) (Player, error) {
	tm, err := r.mapFor(mapKey)
	if err != nil {
		return Player{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[id]; ok {
		return Player{}, fmt.Errorf("%w: %s on %s", ErrDuplicateConnection, id, cur)
	}
	rm := r.roomLocked(mapKey, tm)
	p := &Player{ID: id, Cell: r.resolveSpawnLocked(rm, spawn), Facing: DefaultFacing, Map: mapKey}
	r.enterLocked(rm, p)
	return *p, nil
}

// MovePlayerToMap 把玩家从旧地图的广播范围移到新地图，保留连接身份
func (r *Registry) MovePlayerToMap(id ConnID, newMap string, cell grid.Cell) (Player, error) {
	// 新地图无法加载时不做任何修改
	tm, err := r.mapFor(newMap)
	if err != nil {
		return Player{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	oldKey, ok := r.conns[id]
	if !ok {
		return Player{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	nr := r.roomLocked(newMap, tm)
	old := r.rooms[oldKey]
	p := old.players[id]
	r.leaveLocked(old, id)

	p.Map = newMap
	p.Cell = r.resolveSpawnLocked(nr, cell)
	p.movingUntil = time.Time{}
	r.enterLocked(nr, p)
	r.log.Debugw("player changed map", "conn", id, "from", oldKey, "to", newMap, "cell", p.Cell)
	return *p, nil
}

func (r *Registry) enterLocked(rm *room, p *Player) {
	rm.players[p.ID] = p
	r.conns[p.ID] = rm.key

	others := make([]protocol.PlayerState, 0, len(rm.players)-1)
	for _, other := range sortedPlayers(rm) {
		if other.ID != p.ID {
			others = append(others, other.state())
		}
	}
	r.sendLocked(p.ID, protocol.NewMapSnapshot(rm.key, p.state(), others, tileStates(rm)))
	r.publishLocked(rm, p.ID, protocol.NewPeerJoined(p.state()))
}

func (r *Registry) leaveLocked(rm *room, id ConnID) {
	delete(rm.players, id)
	delete(r.conns, id)
	r.publishLocked(rm, id, protocol.NewPeerLeft(string(id)))
}

// SetPlayerPosition 无条件写入位置，只应在校验通过后调用；会广播给同地图其他玩家
// 供 Registry 锁外的调用方（管理工具、测试、Hub）使用；Validator 持锁时直接调用 *Locked 版本。
func (r *Registry) SetPlayerPosition(id ConnID, cell grid.Cell, dir grid.Direction) error {
	if !dir.Valid() {
		return ErrInvalidDirection
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, p, err := r.playerLocked(id)
	if err != nil {
		return err
	}
	r.setPositionLocked(rm, p, cell, dir, 1)
	return nil
}

func (r *Registry) setPositionLocked(rm *room, p *Player, cell grid.Cell, dir grid.Direction, speed int) {
	p.Cell = cell
	p.Facing = dir
	r.publishLocked(rm, p.ID, protocol.NewPeerMoved(p.state(), speed))
}

// RemovePlayer 删除玩家并通知原地图的其他玩家
func (r *Registry) RemovePlayer(id ConnID) (Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, p, err := r.playerLocked(id)
	if err != nil {
		return Player{}, err
	}
	r.leaveLocked(rm, id)
	return *p, nil
}

// InitMoveableTiles 幂等：地图实例已有可推动瓦片时忽略（先写者胜）
// 供 Registry 锁外的调用方（管理工具、测试、Hub）使用；Validator 持锁时直接调用 *Locked 版本。
func (r *Registry) InitMoveableTiles(mapKey string, declared map[grid.Cell]int) (bool, error) {
	tm, err := r.mapFor(mapKey)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.initMoveablesLocked(r.roomLocked(mapKey, tm), declared), nil
}

func (r *Registry) initMoveablesLocked(rm *room, declared map[grid.Cell]int) bool {
	if len(rm.tiles) > 0 {
		return false
	}
	for c, idx := range declared {
		if idx == tilemap.Empty || !rm.tm.InBounds(c) {
			continue
		}
		rm.tiles[c] = idx
	}
	return len(rm.tiles) > 0
}

// RelocateMoveableTile 原子地把瓦片从 from 移到 to
// 供 Registry 锁外的调用方（管理工具、测试、Hub）使用；Validator 持锁时直接调用 *Locked 版本。
func (r *Registry) RelocateMoveableTile(mapKey string, from, to grid.Cell, tileIndex int) error {
	tm, err := r.mapFor(mapKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return relocateLocked(r.roomLocked(mapKey, tm), from, to, tileIndex)
}

// MoveableAt 当前记录在 c 上的可推动瓦片（运行时状态，不是地图的静态图层）
// 供 Registry 锁外的调用方（管理工具、测试、Hub）使用；Validator 持锁时直接调用 *Locked 版本。
func (r *Registry) MoveableAt(mapKey string, c grid.Cell) (int, bool, error) {
	tm, err := r.mapFor(mapKey)
	if err != nil {
		return tilemap.Empty, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.roomLocked(mapKey, tm).tiles[c]
	return idx, ok, nil
}

// relocateLocked tileIndex 为 0 时不校验编号
func relocateLocked(rm *room, from, to grid.Cell, tileIndex int) error {
	cur, ok := rm.tiles[from]
	if !ok || (tileIndex != tilemap.Empty && tileIndex != cur) {
		return fmt.Errorf("%w: %v on %s", ErrTileNotFound, from, rm.key)
	}
	if _, occupied := rm.tiles[to]; occupied {
		return fmt.Errorf("%w: %v on %s", ErrDestinationOccupied, to, rm.key)
	}
	delete(rm.tiles, from)
	rm.tiles[to] = cur
	return nil
}

// Signal 转发给同地图的其他玩家
func (r *Registry) Signal(id ConnID, name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, _, err := r.playerLocked(id)
	if err != nil {
		return err
	}
	r.publishLocked(rm, id, protocol.NewSignalEvent(string(id), name))
	return nil
}

// Player 返回玩家状态副本
func (r *Registry) Player(id ConnID) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, p, err := r.playerLocked(id)
	if err != nil {
		return Player{}, false
	}
	return *p, true
}

// MapState 某张地图的只读快照
type MapState struct {
	Map       string
	Players   []Player
	Moveables []MoveableTile
}

// Snapshot 地图实例尚未创建时返回 false
func (r *Registry) Snapshot(mapKey string) (MapState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[mapKey]
	if !ok {
		return MapState{}, false
	}
	st := MapState{Map: mapKey}
	for _, p := range sortedPlayers(rm) {
		st.Players = append(st.Players, *p)
	}
	for _, t := range tileStates(rm) {
		st.Moveables = append(st.Moveables, MoveableTile{Cell: grid.Cell{X: t.X, Y: t.Y}, TileIndex: t.TileIndex, Map: mapKey})
	}
	return st, true
}

// Maps 已创建的地图实例
func (r *Registry) Maps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.rooms))
	for k := range r.rooms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) playerLocked(id ConnID) (*room, *Player, error) {
	key, ok := r.conns[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	rm := r.rooms[key]
	return rm, rm.players[id], nil
}

// publishLocked 只发给当前属于该地图的连接，except 为空时包括所有人
func (r *Registry) publishLocked(rm *room, except ConnID, msg any) {
	b, err := protocol.Encode(msg)
	if err != nil {
		r.log.Errorw("encode broadcast failed", "map", rm.key, "err", err)
		return
	}
	for id := range rm.players {
		if id == except {
			continue
		}
		r.out.Send(id, b)
	}
}

func (r *Registry) sendLocked(id ConnID, msg any) {
	b, err := protocol.Encode(msg)
	if err != nil {
		r.log.Errorw("encode message failed", "conn", id, "err", err)
		return
	}
	r.out.Send(id, b)
}

// resolveSpawnLocked 请求的格子不可用时，依次退回地图出生点、最近的可用格子、(0,0)
func (r *Registry) resolveSpawnLocked(rm *room, want grid.Cell) grid.Cell {
	free := func(c grid.Cell) bool {
		_, occupied := rm.tiles[c]
		return rm.tm.IsPassableGround(c) && !occupied
	}
	if free(want) {
		return want
	}
	if s, ok := rm.tm.Spawn(); ok && free(s) {
		return s
	}

	start := grid.Cell{X: clamp(want.X, 0, rm.tm.Width-1), Y: clamp(want.Y, 0, rm.tm.Height-1)}
	visited := mapset.New[grid.Cell]()
	visited.Put(start)
	queue := []grid.Cell{start}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if free(c) {
			return c
		}
		for _, d := range grid.Directions {
			n := grid.Neighbor(c, d)
			if rm.tm.InBounds(n) && !visited.Has(n) {
				visited.Put(n)
				queue = append(queue, n)
			}
		}
	}
	return grid.Cell{}
}

func sortedPlayers(rm *room) []*Player {
	out := make([]*Player, 0, len(rm.players))
	for _, p := range rm.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func tileStates(rm *room) []protocol.TileState {
	out := make([]protocol.TileState, 0, len(rm.tiles))
	for c, idx := range rm.tiles {
		out = append(out, protocol.TileState{X: c.X, Y: c.Y, TileIndex: idx})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
