package server

import (
	"context"
	"time"
)

// statsInterval 周期性输出运行指标
var statsInterval = time.Minute

// Run 事件循环：按到达顺序处理入站事件，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			Log.Infow("event loop stopped", "clients", h.Clients.Len())
			return
		case ev := <-h.inbox:
			start := time.Now()
			switch ev.kind {
			case eventMessage:
				h.Handle(ev.conn, ev.payload)
			case eventDisconnect:
				h.disconnect(ev.conn)
			}
			h.Metrics.AddEvent(time.Since(start).Nanoseconds())
			if lag := start.Sub(ev.at); lag > time.Second {
				Log.Warnw("event queued too long", "conn", ev.conn, "lag", lag)
			}
		case <-ticker.C:
			Log.Infow("stats", "clients", h.Clients.Len(), "maps", h.Registry.Maps(), "metrics", h.Metrics.Snapshot())
		}
	}
}
