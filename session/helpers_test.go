package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tilesync/grid"
	"tilesync/tilemap"
)

const (
	groundTile = 1
	waterTile  = 3
	bridgeTile = 7
	rockTile   = 21
)

// recorder 记录每个连接收到的消息
type recorder struct {
	mu   sync.Mutex
	msgs map[ConnID][]map[string]any
}

func newRecorder() *recorder { return &recorder{msgs: make(map[ConnID][]map[string]any)} }

func (r *recorder) Send(id ConnID, payload []byte) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.msgs[id] = append(r.msgs[id], m)
	r.mu.Unlock()
}

func (r *recorder) of(id ConnID, typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.msgs[id] {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = make(map[ConnID][]map[string]any)
	r.mu.Unlock()
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// meadow 20x20 全草地；水面、桥、空洞、石头按需放置
func meadow(key string) *tilemap.Map {
	m := tilemap.New(key, 20, 20)
	m.Fill(tilemap.Ground, groundTile)
	m.MarkWater(waterTile)
	return m
}

func put(t *testing.T, m *tilemap.Map, layer tilemap.Layer, c grid.Cell, gid int) {
	t.Helper()
	if err := m.SetTile(layer, c, gid); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, maps ...*tilemap.Map) (*Registry, *Validator, *recorder) {
	t.Helper()
	p := tilemap.StaticProvider{}
	for _, m := range maps {
		p[m.Key] = m
	}
	rec := newRecorder()
	reg := NewRegistry(p, rec)
	return reg, NewValidator(reg, WithTiming(0, 0)), rec
}

func mustAdd(t *testing.T, reg *Registry, mapKey string, id ConnID, c grid.Cell) {
	t.Helper()
	p, err := reg.AddPlayer(mapKey, id, c)
	if err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
	if p.Cell != c {
		t.Fatalf("%s spawned at %v, want %v", id, p.Cell, c)
	}
}

func cellOf(m map[string]any, key string) grid.Cell {
	v := m[key].(map[string]any)
	return grid.Cell{X: int(v["x"].(float64)), Y: int(v["y"].(float64))}
}

func tileCount(t *testing.T, reg *Registry, mapKey string) int {
	t.Helper()
	st, ok := reg.Snapshot(mapKey)
	if !ok {
		t.Fatalf("no map %s", mapKey)
	}
	seen := make(map[grid.Cell]bool)
	for _, mt := range st.Moveables {
		if seen[mt.Cell] {
			t.Fatalf("two tiles recorded at %v", mt.Cell)
		}
		seen[mt.Cell] = true
	}
	return len(st.Moveables)
}
