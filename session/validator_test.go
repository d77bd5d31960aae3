package session

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"tilesync/grid"
	"tilesync/tilemap"
)

func TestMoveBroadcastsToPeersOnly(t *testing.T) {
	reg, v, rec := newFixture(t, meadow("map"), meadow("far"))
	mustAdd(t, reg, "map", "a", grid.Cell{X: 13, Y: 11})
	mustAdd(t, reg, "map", "b", grid.Cell{X: 2, Y: 2})
	mustAdd(t, reg, "far", "c", grid.Cell{X: 2, Y: 2})
	rec.reset()

	// (13,11) 是奇数行，左上方向 dx=0
	o, err := v.Move("a", grid.UpLeft, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Accepted || o.Target != (grid.Cell{X: 13, Y: 10}) || o.SpeedMultiplier != 1 {
		t.Fatalf("outcome = %+v", o)
	}
	moved := rec.of("b", "peer-moved")
	if len(moved) != 1 || moved[0]["x"] != float64(13) || moved[0]["y"] != float64(10) || moved[0]["direction"] != "up-left" {
		t.Errorf("b peer-moved = %v", moved)
	}
	if got := rec.of("a", "peer-moved"); len(got) != 0 {
		t.Errorf("mover received its own move: %v", got)
	}
	if got := rec.of("c", "peer-moved"); len(got) != 0 {
		t.Errorf("other map received move: %v", got)
	}
	p, _ := reg.Player("a")
	if p.Cell != (grid.Cell{X: 13, Y: 10}) || p.Facing != grid.UpLeft {
		t.Errorf("player = %+v", p)
	}
}

func TestMoveRejections(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Ground, grid.Cell{X: 5, Y: 5}, tilemap.Empty)
	reg, v, rec := newFixture(t, m)

	cases := []struct {
		start grid.Cell
		dir   grid.Direction
		want  error
	}{
		{grid.Cell{X: 0, Y: 0}, grid.UpLeft, ErrOutOfBounds},
		{grid.Cell{X: 19, Y: 19}, grid.DownRight, ErrOutOfBounds},
		{grid.Cell{X: 5, Y: 4}, grid.DownRight, ErrImpassable},
		{grid.Cell{X: 5, Y: 4}, grid.DirNone, ErrInvalidDirection},
	}
	for i, tc := range cases {
		id := ConnID(string(rune('a' + i)))
		mustAdd(t, reg, "map", id, tc.start)
		o, err := v.Move(id, tc.dir, 42)
		if err != nil {
			t.Fatal(err)
		}
		if o.Accepted || !errors.Is(o.Err, tc.want) {
			t.Errorf("case %d: outcome = %+v", i, o)
		}
		p, _ := reg.Player(id)
		if p.Cell != tc.start {
			t.Errorf("case %d: rejected move changed position to %v", i, p.Cell)
		}
		rej := rec.of(id, "move-rejected")
		if len(rej) != 1 || rej[0]["reason"] != Reason(tc.want) || rej[0]["seq"] != float64(42) {
			t.Errorf("case %d: move-rejected = %v", i, rej)
		}
		cur := rej[0]["current"].(map[string]any)
		if cur["x"] != float64(tc.start.X) || cur["y"] != float64(tc.start.Y) {
			t.Errorf("case %d: current = %v", i, cur)
		}
	}
}

func TestMoveUnknownConnection(t *testing.T) {
	_, v, _ := newFixture(t, meadow("map"))
	if _, err := v.Move("ghost", grid.UpLeft, 0); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("err = %v", err)
	}
}

func TestPushRelocatesTileAndPlayer(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
	reg, v, rec := newFixture(t, m)
	mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})
	mustAdd(t, reg, "map", "b", grid.Cell{X: 1, Y: 1})
	rec.reset()

	o, err := v.Move("a", grid.DownRight, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Accepted || !o.Pushed || o.PushTo != (grid.Cell{X: 6, Y: 6}) || o.SpeedMultiplier != 2 {
		t.Fatalf("outcome = %+v", o)
	}
	p, _ := reg.Player("a")
	if p.Cell != (grid.Cell{X: 5, Y: 5}) {
		t.Errorf("player moved to %v, want the vacated cell", p.Cell)
	}
	st, _ := reg.Snapshot("map")
	if len(st.Moveables) != 1 || st.Moveables[0].Cell != (grid.Cell{X: 6, Y: 6}) || st.Moveables[0].TileIndex != rockTile {
		t.Errorf("moveables = %+v", st.Moveables)
	}

	for _, id := range []ConnID{"a", "b"} {
		upd := rec.of(id, "tile-updated")
		if len(upd) != 1 || upd[0]["actingId"] != "a" || cellOf(upd[0], "old") != (grid.Cell{X: 5, Y: 5}) || cellOf(upd[0], "new") != (grid.Cell{X: 6, Y: 6}) {
			t.Errorf("%s tile-updated = %v", id, upd)
		}
	}
	if moved := rec.of("b", "peer-moved"); len(moved) != 1 || moved[0]["speedMultiplier"] != float64(2) {
		t.Errorf("b peer-moved = %v", moved)
	}
}

func TestPushIsColinear(t *testing.T) {
	for _, d := range grid.Directions {
		for _, start := range []grid.Cell{{X: 8, Y: 8}, {X: 8, Y: 9}} {
			m := meadow("map")
			tile := grid.Neighbor(start, d)
			put(t, m, tilemap.Moveable, tile, rockTile)
			reg, v, _ := newFixture(t, m)
			mustAdd(t, reg, "map", "a", start)

			o, _ := v.Move("a", d, 0)
			want := grid.Neighbor(grid.Neighbor(start, d), d)
			if !o.Accepted || o.PushTo != want {
				t.Errorf("%v from %v: push to %v, want %v", d, start, o.PushTo, want)
			}
		}
	}
}

func TestPushBlocked(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, m *tilemap.Map)
		want  error
	}{
		{"destination holds a tile", func(t *testing.T, m *tilemap.Map) {
			put(t, m, tilemap.Moveable, grid.Cell{X: 6, Y: 6}, rockTile)
		}, ErrDestinationOccupied},
		{"destination is water", func(t *testing.T, m *tilemap.Map) {
			put(t, m, tilemap.Ground, grid.Cell{X: 6, Y: 6}, waterTile)
		}, ErrImpassable},
		{"destination has no ground", func(t *testing.T, m *tilemap.Map) {
			put(t, m, tilemap.Ground, grid.Cell{X: 6, Y: 6}, tilemap.Empty)
		}, ErrImpassable},
	}
	for _, tc := range cases {
		m := meadow("map")
		put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
		tc.setup(t, m)
		reg, v, rec := newFixture(t, m)
		mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})
		mustAdd(t, reg, "map", "b", grid.Cell{X: 1, Y: 1})
		before := tileCount(t, reg, "map")
		rec.reset()

		o, _ := v.Move("a", grid.DownRight, 0)
		if o.Accepted || !errors.Is(o.Err, tc.want) {
			t.Errorf("%s: outcome = %+v", tc.name, o)
			continue
		}
		if p, _ := reg.Player("a"); p.Cell != (grid.Cell{X: 5, Y: 4}) {
			t.Errorf("%s: player moved to %v", tc.name, p.Cell)
		}
		st, _ := reg.Snapshot("map")
		if st.Moveables[0].Cell != (grid.Cell{X: 5, Y: 5}) || len(st.Moveables) != before {
			t.Errorf("%s: moveables = %+v", tc.name, st.Moveables)
		}
		upd := rec.of("b", "tile-updated")
		if len(upd) != 1 || upd[0]["rejected"] != true || cellOf(upd[0], "new") != (grid.Cell{X: 5, Y: 5}) {
			t.Errorf("%s: b tile-updated = %v", tc.name, upd)
		}
		if got := rec.of("b", "peer-moved"); len(got) != 0 {
			t.Errorf("%s: rejected push broadcast a move", tc.name)
		}
	}
}

func TestPushOntoBridgeAllowed(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
	put(t, m, tilemap.Ground, grid.Cell{X: 6, Y: 6}, waterTile)
	put(t, m, tilemap.Bridge, grid.Cell{X: 6, Y: 6}, bridgeTile)
	reg, v, _ := newFixture(t, m)
	mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})

	if o, _ := v.Move("a", grid.DownRight, 0); !o.Accepted {
		t.Fatalf("push onto bridge rejected: %v", o.Err)
	}
}

func TestPushOutOfBounds(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Moveable, grid.Cell{X: 18, Y: 19}, rockTile)
	reg, v, _ := newFixture(t, m)
	mustAdd(t, reg, "map", "a", grid.Cell{X: 18, Y: 18})

	if o, _ := v.Move("a", grid.DownRight, 0); o.Accepted || !errors.Is(o.Err, ErrOutOfBounds) {
		t.Errorf("outcome = %+v", o)
	}
}

func TestWaterSlowsButBridgeDoesNot(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Ground, grid.Cell{X: 5, Y: 5}, waterTile)
	put(t, m, tilemap.Ground, grid.Cell{X: 7, Y: 5}, waterTile)
	put(t, m, tilemap.Bridge, grid.Cell{X: 7, Y: 5}, bridgeTile)
	reg, v, _ := newFixture(t, m)
	mustAdd(t, reg, "map", "wader", grid.Cell{X: 5, Y: 4})
	mustAdd(t, reg, "map", "walker", grid.Cell{X: 7, Y: 4})

	o, _ := v.Move("wader", grid.DownRight, 0)
	if !o.Accepted || o.SpeedMultiplier != 2 {
		t.Errorf("wading outcome = %+v", o)
	}
	o, _ = v.Move("walker", grid.DownRight, 0)
	if !o.Accepted || o.SpeedMultiplier != 1 {
		t.Errorf("bridge outcome = %+v", o)
	}
}

func TestTransitionLock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := tilemap.StaticProvider{"map": meadow("map")}
	reg := NewRegistry(p, newRecorder())
	v := NewValidator(reg, WithClock(clock.Now), WithTiming(200*time.Millisecond, 50*time.Millisecond))
	mustAdd(t, reg, "map", "a", grid.Cell{X: 10, Y: 10})

	if o, _ := v.Move("a", grid.DownRight, 0); !o.Accepted {
		t.Fatalf("first move rejected: %v", o.Err)
	}
	clock.Advance(100 * time.Millisecond)
	if o, _ := v.Move("a", grid.DownRight, 0); !errors.Is(o.Err, ErrBusy) {
		t.Fatalf("expected busy, got %+v", o)
	}
	clock.Advance(50 * time.Millisecond)
	if o, _ := v.Move("a", grid.DownRight, 0); !o.Accepted {
		t.Fatalf("move after transition rejected: %v", o.Err)
	}
}

func TestPushWhileMovingIsBusy(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := meadow("map")
	put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
	rec := newRecorder()
	reg := NewRegistry(tilemap.StaticProvider{"map": m}, rec)
	v := NewValidator(reg, WithClock(clock.Now), WithTiming(200*time.Millisecond, 80*time.Millisecond))
	mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})
	mustAdd(t, reg, "map", "b", grid.Cell{X: 1, Y: 1})

	if o, _ := v.Push("a", grid.Cell{X: 5, Y: 5}, grid.Cell{X: 6, Y: 6}, rockTile, 1); !o.Accepted {
		t.Fatalf("first push rejected: %v", o.Err)
	}
	rec.reset()

	// 同一推动重发：坐标已过期，但玩家仍在过渡中
	if o, _ := v.Push("a", grid.Cell{X: 5, Y: 5}, grid.Cell{X: 6, Y: 6}, rockTile, 2); !errors.Is(o.Err, ErrBusy) {
		t.Fatalf("stale push outcome = %+v", o)
	}
	// 接着推下一格，同样过早
	o, _ := v.Push("a", grid.Cell{X: 6, Y: 6}, grid.Cell{X: 6, Y: 7}, rockTile, 3)
	if !errors.Is(o.Err, ErrBusy) || !o.Pushed {
		t.Fatalf("early push outcome = %+v", o)
	}
	rej := rec.of("a", "move-rejected")
	if len(rej) != 2 || rej[0]["reason"] != "busy" || rej[1]["reason"] != "busy" {
		t.Fatalf("move-rejected = %v", rej)
	}
	upd := rec.of("b", "tile-updated")
	if len(upd) != 1 || upd[0]["rejected"] != true || cellOf(upd[0], "old") != (grid.Cell{X: 6, Y: 6}) || cellOf(upd[0], "new") != (grid.Cell{X: 6, Y: 6}) {
		t.Errorf("tile-updated = %v", upd)
	}

	clock.Advance(400 * time.Millisecond)
	if o, _ := v.Push("a", grid.Cell{X: 6, Y: 6}, grid.Cell{X: 6, Y: 7}, rockTile, 4); !o.Accepted {
		t.Fatalf("push after transition rejected: %v", o.Err)
	}
}

func TestReportFollowsServerPosition(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
	reg, v, rec := newFixture(t, m)
	mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})
	mustAdd(t, reg, "map", "b", grid.Cell{X: 1, Y: 1})

	if o, _ := v.Push("a", grid.Cell{X: 5, Y: 5}, grid.Cell{X: 6, Y: 6}, rockTile, 0); !o.Accepted {
		t.Fatalf("push rejected: %v", o.Err)
	}
	rec.reset()

	// 推动结束后的位置报告只是确认
	o, err := v.Report("a", grid.Cell{X: 5, Y: 5}, grid.DownRight, 0)
	if err != nil || !o.Settled || !o.Accepted {
		t.Fatalf("settled report = %+v, %v", o, err)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("settled report produced %v", rec.msgs)
	}
	if _, ok, _ := reg.MoveableAt("map", grid.Cell{X: 6, Y: 6}); !ok {
		t.Error("tile moved again")
	}

	// 报告的是下一格：按一步处理
	if o, _ := v.Report("a", grid.Cell{X: 5, Y: 4}, grid.UpLeft, 0); !o.Accepted || o.Settled {
		t.Fatalf("step report = %+v", o)
	}
	if moved := rec.of("b", "peer-moved"); len(moved) != 1 || moved[0]["y"] != 4.0 {
		t.Errorf("peer-moved = %v", moved)
	}

	o, _ = v.Report("a", grid.Cell{X: 9, Y: 9}, grid.UpLeft, 7)
	if !errors.Is(o.Err, ErrPositionMismatch) {
		t.Fatalf("mismatch outcome = %+v", o)
	}
	rej := rec.of("a", "move-rejected")
	if len(rej) != 1 || rej[0]["reason"] != "position-mismatch" {
		t.Errorf("move-rejected = %v", rej)
	}
	if p, _ := reg.Player("a"); p.Cell != (grid.Cell{X: 5, Y: 4}) {
		t.Errorf("player at %v", p.Cell)
	}
	if _, err := v.Report("ghost", grid.Cell{}, grid.UpLeft, 0); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("unknown connection err = %v", err)
	}
}

func TestExplicitPush(t *testing.T) {
	m := meadow("map")
	put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
	reg, v, rec := newFixture(t, m)
	mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})

	// 不共线
	o, _ := v.Push("a", grid.Cell{X: 5, Y: 5}, grid.Cell{X: 5, Y: 7}, rockTile, 3)
	if !errors.Is(o.Err, ErrInvalidPush) {
		t.Fatalf("outcome = %+v", o)
	}
	if rej := rec.of("a", "move-rejected"); len(rej) != 1 || rej[0]["reason"] != "invalid-push" {
		t.Errorf("move-rejected = %v", rej)
	}
	// 编号过期
	if o, _ = v.Push("a", grid.Cell{X: 5, Y: 5}, grid.Cell{X: 6, Y: 6}, 99, 4); !errors.Is(o.Err, ErrTileNotFound) {
		t.Fatalf("outcome = %+v", o)
	}
	// 目标格没有瓦片
	if o, _ = v.Push("a", grid.Cell{X: 4, Y: 5}, grid.Cell{X: 4, Y: 6}, rockTile, 5); !errors.Is(o.Err, ErrTileNotFound) {
		t.Fatalf("outcome = %+v", o)
	}
	if p, _ := reg.Player("a"); p.Cell != (grid.Cell{X: 5, Y: 4}) {
		t.Fatalf("player moved on rejected push: %v", p.Cell)
	}

	o, _ = v.Push("a", grid.Cell{X: 5, Y: 5}, grid.Cell{X: 6, Y: 6}, rockTile, 6)
	if !o.Accepted || o.PushTo != (grid.Cell{X: 6, Y: 6}) {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestConcurrentPushesOnSameTile(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := meadow("map")
		put(t, m, tilemap.Moveable, grid.Cell{X: 5, Y: 5}, rockTile)
		reg, v, rec := newFixture(t, m)
		// a 从 (5,4) 向右下推到 (6,6)；b 从 (5,6) 向右上推到 (6,4)
		mustAdd(t, reg, "map", "a", grid.Cell{X: 5, Y: 4})
		mustAdd(t, reg, "map", "b", grid.Cell{X: 5, Y: 6})

		var wg sync.WaitGroup
		results := make([]Outcome, 2)
		pushes := []struct {
			id ConnID
			to grid.Cell
		}{{"a", grid.Cell{X: 6, Y: 6}}, {"b", grid.Cell{X: 6, Y: 4}}}
		for i, p := range pushes {
			wg.Add(1)
			go func(i int, id ConnID, to grid.Cell) {
				defer wg.Done()
				results[i], _ = v.Push(id, grid.Cell{X: 5, Y: 5}, to, rockTile, 0)
			}(i, p.id, p.to)
		}
		wg.Wait()

		accepted := 0
		for _, o := range results {
			if o.Accepted {
				accepted++
			}
		}
		if accepted != 1 {
			t.Fatalf("round %d: %d pushes accepted", round, accepted)
		}
		if n := tileCount(t, reg, "map"); n != 1 {
			t.Fatalf("round %d: tile count %d", round, n)
		}
		loser := ConnID("a")
		if results[0].Accepted {
			loser = "b"
		}
		if rej := rec.of(loser, "move-rejected"); len(rej) != 1 || rej[0]["reason"] != "tile-not-found" {
			t.Fatalf("round %d: loser %s got %v", round, loser, rej)
		}
	}
}

func TestRandomWalkConservesTiles(t *testing.T) {
	m := meadow("map")
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 30; i++ {
		put(t, m, tilemap.Moveable, grid.Cell{X: rng.Intn(20), Y: rng.Intn(20)}, rockTile)
	}
	for i := 0; i < 15; i++ {
		put(t, m, tilemap.Ground, grid.Cell{X: rng.Intn(20), Y: rng.Intn(20)}, waterTile)
	}
	reg, v, _ := newFixture(t, m)
	want := tileCount(t, reg, "map")

	ids := []ConnID{"a", "b", "c", "d"}
	for _, id := range ids {
		if _, err := reg.AddPlayer("map", id, grid.Cell{X: rng.Intn(20), Y: rng.Intn(20)}); err != nil {
			t.Fatal(err)
		}
	}
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(id ConnID, seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for step := 0; step < 500; step++ {
				_, _ = v.Move(id, grid.Directions[r.Intn(4)], int64(step))
			}
		}(id, int64(i))
	}
	wg.Wait()

	if got := tileCount(t, reg, "map"); got != want {
		t.Fatalf("tile count %d, want %d", got, want)
	}
}
