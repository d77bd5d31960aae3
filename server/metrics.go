package server

import (
	"sync/atomic"

	"tilesync/session"
)

// Metrics 记录运行期的关键指标（用于监控与调试）
type Metrics struct {
	Joins          int64 // 首次进入地图
	MapChanges     int64 // 切换地图
	MovesAccepted  int64
	MovesRejected  int64
	PushesAccepted int64
	PushesRejected int64
	Signals        int64
	Malformed      int64 // 无法解析或未加入地图就发来的消息
	Disconnects    int64
	SlowConsumers  int64 // 因发送队列满被断开的连接
	EventCount     int64 // 事件循环处理的事件数
	TotalEventNs   int64 // 事件处理累计耗时（纳秒）
}

func (m *Metrics) IncJoin()         { atomic.AddInt64(&m.Joins, 1) }
func (m *Metrics) IncMapChange()    { atomic.AddInt64(&m.MapChanges, 1) }
func (m *Metrics) IncSignal()       { atomic.AddInt64(&m.Signals, 1) }
func (m *Metrics) IncMalformed()    { atomic.AddInt64(&m.Malformed, 1) }
func (m *Metrics) IncDisconnect()   { atomic.AddInt64(&m.Disconnects, 1) }
func (m *Metrics) IncSlowConsumer() { atomic.AddInt64(&m.SlowConsumers, 1) }

// RecordOutcome 按是否推动、是否接受分类计数；确认性的位置报告不计
func (m *Metrics) RecordOutcome(o session.Outcome) {
	switch {
	case o.Settled:
	case o.Pushed && o.Accepted:
		atomic.AddInt64(&m.PushesAccepted, 1)
	case o.Pushed:
		atomic.AddInt64(&m.PushesRejected, 1)
	case o.Accepted:
		atomic.AddInt64(&m.MovesAccepted, 1)
	default:
		atomic.AddInt64(&m.MovesRejected, 1)
	}
}

func (m *Metrics) AddEvent(ns int64) {
	atomic.AddInt64(&m.EventCount, 1)
	atomic.AddInt64(&m.TotalEventNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	events := atomic.LoadInt64(&m.EventCount)
	total := atomic.LoadInt64(&m.TotalEventNs)
	var avgMs float64
	if events > 0 {
		avgMs = float64(total) / float64(events) / 1e6
	}
	return map[string]any{
		"joins":           atomic.LoadInt64(&m.Joins),
		"map_changes":     atomic.LoadInt64(&m.MapChanges),
		"moves_accepted":  atomic.LoadInt64(&m.MovesAccepted),
		"moves_rejected":  atomic.LoadInt64(&m.MovesRejected),
		"pushes_accepted": atomic.LoadInt64(&m.PushesAccepted),
		"pushes_rejected": atomic.LoadInt64(&m.PushesRejected),
		"signals":         atomic.LoadInt64(&m.Signals),
		"malformed":       atomic.LoadInt64(&m.Malformed),
		"disconnects":     atomic.LoadInt64(&m.Disconnects),
		"slow_consumers":  atomic.LoadInt64(&m.SlowConsumers),
		"events":          events,
		"avg_event_ms":    avgMs,
	}
}
