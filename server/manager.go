package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"

	"tilesync/session"
)

// Outbox 单个连接的发送端
type Outbox interface {
	// Enqueue 非阻塞入队，队列已满或已关闭时返回 false
	Enqueue(b []byte) bool
	Close()
}

type client struct {
	out     Outbox
	session string // 存档键，默认等于连接 id
	dropped atomic.Bool
}

// Clients 管理所有在线连接，实现 session.Transport
type Clients struct {
	mu deadlock.RWMutex
	m  map[session.ConnID]*client

	metrics *Metrics
}

func NewClients(m *Metrics) *Clients {
	return &Clients{m: make(map[session.ConnID]*client), metrics: m}
}

// Add 登记连接并分配 id；sessionID 为空时使用连接 id
func (c *Clients) Add(out Outbox, sessionID string) session.ConnID {
	id := newConnID()
	if sessionID == "" {
		sessionID = string(id)
	}
	c.mu.Lock()
	c.m[id] = &client{out: out, session: sessionID}
	c.mu.Unlock()
	return id
}

// Remove 注销并关闭连接，重复调用无副作用
func (c *Clients) Remove(id session.ConnID) {
	c.mu.Lock()
	cl, ok := c.m[id]
	delete(c.m, id)
	c.mu.Unlock()
	if ok {
		cl.out.Close()
	}
}

// Session 连接对应的存档键
func (c *Clients) Session(id session.ConnID) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cl, ok := c.m[id]; ok {
		return cl.session
	}
	return string(id)
}

func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Send 可能在 Registry 锁内被调用，不能阻塞。
// 队列满的连接直接断开，由读泵退出后走正常的离开流程。
func (c *Clients) Send(id session.ConnID, payload []byte) {
	c.mu.RLock()
	cl, ok := c.m[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if cl.out.Enqueue(payload) || !cl.dropped.CompareAndSwap(false, true) {
		return
	}
	if c.metrics != nil {
		c.metrics.IncSlowConsumer()
	}
	Log.Warnw("slow consumer, closing connection", "conn", id)
	go cl.out.Close()
}

func newConnID() session.ConnID {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return session.ConnID(hex.EncodeToString(b[:]))
}
