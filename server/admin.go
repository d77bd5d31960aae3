package server

import (
	"encoding/json"
	"net/http"
	"time"

	"tilesync/protocol"
)

// HandleAdminConfig 过渡锁参数的读取与热更新
// GET /admin/config  返回当前配置
// POST /admin/config 以 JSON 载荷更新部分字段，如 {"stepMs":200,"toleranceMs":80}
func (h *Hub) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		StepMs      *int64 `json:"stepMs,omitempty"`
		ToleranceMs *int64 `json:"toleranceMs,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		step, tol := h.Moves.Timing()
		s, t := step.Milliseconds(), tol.Milliseconds()
		writeJSON(w, cfg{StepMs: &s, ToleranceMs: &t})
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if (body.StepMs != nil && *body.StepMs < 0) || (body.ToleranceMs != nil && *body.ToleranceMs < 0) {
			http.Error(w, "negative duration", http.StatusBadRequest)
			return
		}
		step, tol := h.Moves.Timing()
		if body.StepMs != nil {
			step = time.Duration(*body.StepMs) * time.Millisecond
		}
		if body.ToleranceMs != nil {
			tol = time.Duration(*body.ToleranceMs) * time.Millisecond
		}
		h.Moves.SetTiming(step, tol)
		writeJSON(w, map[string]any{"ok": true})
		Log.Infow("config updated", "step", step, "tolerance", tol)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMaps 列出已创建的地图实例；带 ?map= 时返回该地图的快照
func (h *Hub) HandleMaps(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("map")
	if key == "" {
		writeJSON(w, map[string]any{"maps": h.Registry.Maps()})
		return
	}
	st, ok := h.Registry.Snapshot(key)
	if !ok {
		http.Error(w, "map not loaded", http.StatusNotFound)
		return
	}
	players := make([]protocol.PlayerState, 0, len(st.Players))
	for _, p := range st.Players {
		players = append(players, protocol.PlayerState{ID: string(p.ID), X: p.Cell.X, Y: p.Cell.Y, Direction: p.Facing})
	}
	tiles := make([]protocol.TileState, 0, len(st.Moveables))
	for _, t := range st.Moveables {
		tiles = append(tiles, protocol.TileState{X: t.Cell.X, Y: t.Cell.Y, TileIndex: t.TileIndex})
	}
	writeJSON(w, map[string]any{"map": st.Map, "players": players, "moveableTiles": tiles})
}

// HandleMetrics 输出运行指标
// GET /metrics
func (h *Hub) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"clients": h.Clients.Len(),
		"maps":    h.Registry.Maps(),
		"metrics": h.Metrics.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
