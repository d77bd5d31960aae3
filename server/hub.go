package server

import (
	"errors"
	"time"

	"tilesync/grid"
	"tilesync/protocol"
	"tilesync/session"
	"tilesync/store"
	"tilesync/tilemap"
)

// SaveStore 会话存档，Hub 允许为 nil（不持久化）
type SaveStore interface {
	Load(session string) (store.Record, error)
	SavePosition(session, mapKey string, cell grid.Cell) error
	SetFlag(session, key, value string) error
}

// ErrStopped 事件循环已退出
var ErrStopped = errors.New("server: hub stopped")

// Hub 连接管理 + 消息分发。
// 所有入站事件经 inbox 由 Run 单协程按到达顺序处理；状态本身由 session.Registry 加锁保护。
type Hub struct {
	cfg Config

	Clients  *Clients
	Registry *session.Registry
	Moves    *session.Validator
	Metrics  *Metrics

	saves SaveStore

	inbox   chan event
	stopped chan struct{}
}

func NewHub(cfg Config, maps tilemap.Provider, saves SaveStore) *Hub {
	m := &Metrics{}
	clients := NewClients(m)
	reg := session.NewRegistry(maps, clients, session.WithLogger(Log.Named("session")))
	h := &Hub{
		cfg:      cfg,
		Clients:  clients,
		Registry: reg,
		Moves:    session.NewValidator(reg, session.WithTiming(cfg.StepDuration, cfg.StepTolerance)),
		Metrics:  m,
		saves:    saves,
		inbox:    make(chan event, cfg.InboxSize),
		stopped:  make(chan struct{}),
	}
	return h
}

// Connect 登记新连接并发送 welcome
func (h *Hub) Connect(out Outbox, sessionID string) session.ConnID {
	id := h.Clients.Add(out, sessionID)
	h.reply(id, protocol.NewWelcome(string(id)))
	Log.Infow("client connected", "conn", id, "session", h.Clients.Session(id))
	return id
}

// Submit 把一帧放入事件队列，队列满时阻塞以保持同一连接内的顺序
func (h *Hub) Submit(id session.ConnID, payload []byte) error {
	return h.enqueue(event{kind: eventMessage, conn: id, payload: payload, at: time.Now()})
}

// Disconnect 请求在事件循环中移除连接
func (h *Hub) Disconnect(id session.ConnID) error {
	return h.enqueue(event{kind: eventDisconnect, conn: id, at: time.Now()})
}

func (h *Hub) enqueue(ev event) error {
	select {
	case h.inbox <- ev:
		return nil
	case <-h.stopped:
		return ErrStopped
	}
}

// Handle 同步处理一帧（事件循环和测试共用）
func (h *Hub) Handle(id session.ConnID, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		h.Metrics.IncMalformed()
		Log.Debugw("drop malformed message", "conn", id, "err", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Announce:
		h.announce(id, m)
	case protocol.MoveIntent:
		o, err := h.Moves.Move(id, m.Direction, m.Seq)
		h.afterStep(id, o, err)
	case protocol.PositionReport:
		o, err := h.Moves.Report(id, grid.Cell{X: m.X, Y: m.Y}, m.Direction, m.Seq)
		h.afterStep(id, o, err)
	case protocol.TilePush:
		o, err := h.Moves.Push(id, m.Old, m.New, m.TileIndex, m.Seq)
		h.afterStep(id, o, err)
	case protocol.Signal:
		if err := h.Registry.Signal(id, m.Name); err != nil {
			h.dropUnjoined(id, msg, err)
			return
		}
		h.Metrics.IncSignal()
	case protocol.SetFlag:
		h.setFlag(id, m)
	case protocol.LoadSave:
		h.loadSave(id)
	case protocol.Leave:
		h.leave(id)
	}
}

func (h *Hub) announce(id session.ConnID, m protocol.Announce) {
	cell := grid.Cell{X: m.X, Y: m.Y}
	p, err := h.Registry.AddPlayer(m.Map, id, cell)
	switch {
	case errors.Is(err, session.ErrDuplicateConnection):
		p, err = h.Registry.MovePlayerToMap(id, m.Map, cell)
		if err == nil {
			h.Metrics.IncMapChange()
		}
	case err == nil:
		h.Metrics.IncJoin()
	}
	if err != nil {
		Log.Infow("announce rejected", "conn", id, "map", m.Map, "err", err)
		h.reply(id, protocol.NewError(session.Reason(err)))
		return
	}
	Log.Infow("player on map", "conn", id, "map", p.Map, "cell", p.Cell)
	h.persist(id, p)
}

func (h *Hub) afterStep(id session.ConnID, o session.Outcome, err error) {
	if err != nil {
		h.dropUnjoined(id, nil, err)
		return
	}
	h.Metrics.RecordOutcome(o)
}

// dropUnjoined 未加入地图的连接发来的游戏消息直接丢弃
func (h *Hub) dropUnjoined(id session.ConnID, msg protocol.Inbound, err error) {
	h.Metrics.IncMalformed()
	if msg != nil {
		Log.Debugw("drop message before join", "conn", id, "type", msg.InboundType(), "err", err)
		return
	}
	Log.Debugw("drop message before join", "conn", id, "err", err)
}

func (h *Hub) setFlag(id session.ConnID, m protocol.SetFlag) {
	if h.saves == nil {
		h.reply(id, protocol.NewError("saves-disabled"))
		return
	}
	if err := h.saves.SetFlag(h.Clients.Session(id), m.Key, m.Value); err != nil {
		Log.Errorw("save flag failed", "conn", id, "key", m.Key, "err", err)
		h.reply(id, protocol.NewError("save-failed"))
	}
}

// loadSave 没有存档时回复默认地图与出生点
func (h *Hub) loadSave(id session.ConnID) {
	sess := h.Clients.Session(id)
	rec := store.Record{Session: sess, Map: h.cfg.DefaultMap, Spawn: h.cfg.DefaultSpawn}
	if h.saves != nil {
		got, err := h.saves.Load(sess)
		switch {
		case err == nil:
			rec = got
		case !errors.Is(err, store.ErrNotFound):
			Log.Errorw("load save failed", "conn", id, "session", sess, "err", err)
		}
	}
	if rec.StoryFlags == nil {
		rec.StoryFlags = map[string]string{}
	}
	h.reply(id, protocol.NewSaveRecord(rec.Session, rec.Map, rec.Spawn, rec.StoryFlags))
}

// leave 玩家离开地图但连接保留，可再次 announce
func (h *Hub) leave(id session.ConnID) {
	p, err := h.Registry.RemovePlayer(id)
	if err != nil {
		return
	}
	Log.Infow("player left", "conn", id, "map", p.Map)
	h.persist(id, p)
}

func (h *Hub) disconnect(id session.ConnID) {
	h.leave(id)
	h.Clients.Remove(id)
	h.Metrics.IncDisconnect()
	Log.Infow("client disconnected", "conn", id)
}

// persist 在 Registry 锁外写存档
func (h *Hub) persist(id session.ConnID, p session.Player) {
	if h.saves == nil {
		return
	}
	if err := h.saves.SavePosition(h.Clients.Session(id), p.Map, p.Cell); err != nil {
		Log.Errorw("save position failed", "conn", id, "err", err)
	}
}

func (h *Hub) reply(id session.ConnID, msg any) {
	b, err := protocol.Encode(msg)
	if err != nil {
		Log.Errorw("encode reply failed", "conn", id, "err", err)
		return
	}
	h.Clients.Send(id, b)
}
