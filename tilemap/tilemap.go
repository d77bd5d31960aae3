// Package tilemap 地图静态数据与格子可通行性判断。
package tilemap

import (
	"fmt"

	"github.com/zyedidia/generic/mapset"

	"tilesync/grid"
)

// Layer 地图图层名称
type Layer string

const (
	Ground   Layer = "Ground"
	Bridge   Layer = "Bridge"
	Foliage  Layer = "Foliage"
	Moveable Layer = "Moveable"
)

// Empty 空格子的瓦片编号
const Empty = 0

// Map 一张可玩的地图（只读快照，加载后不再修改）
type Map struct {
	Key    string
	Width  int
	Height int

	layers map[Layer][]int
	water  mapset.Set[int] // 带 water 属性的瓦片 gid

	spawn    grid.Cell
	hasSpawn bool
}

// New 创建空地图，主要用于测试和程序化生成
func New(key string, width, height int) *Map {
	return &Map{
		Key:    key,
		Width:  width,
		Height: height,
		layers: make(map[Layer][]int),
		water:  mapset.New[int](),
	}
}

// SetTile 在指定图层放置瓦片，gid 为 Empty 表示清空
func (m *Map) SetTile(layer Layer, c grid.Cell, gid int) error {
	if !m.InBounds(c) {
		return fmt.Errorf("tilemap: %s %v out of bounds", layer, c)
	}
	data, ok := m.layers[layer]
	if !ok {
		data = make([]int, m.Width*m.Height)
		m.layers[layer] = data
	}
	data[c.Y*m.Width+c.X] = gid
	return nil
}

// Fill 用同一个瓦片铺满整层
func (m *Map) Fill(layer Layer, gid int) {
	data := make([]int, m.Width*m.Height)
	for i := range data {
		data[i] = gid
	}
	m.layers[layer] = data
}

// MarkWater 将 gid 标记为水面瓦片
func (m *Map) MarkWater(gid int) { m.water.Put(gid) }

// SetSpawn 设置默认出生点
func (m *Map) SetSpawn(c grid.Cell) {
	m.spawn = c
	m.hasSpawn = true
}

// Spawn 地图声明的出生点
func (m *Map) Spawn() (grid.Cell, bool) { return m.spawn, m.hasSpawn }

// HasLayer 地图是否包含该图层
func (m *Map) HasLayer(layer Layer) bool {
	_, ok := m.layers[layer]
	return ok
}

// TileAt 返回图层上的瓦片编号；越界或图层不存在时为 Empty
func (m *Map) TileAt(layer Layer, c grid.Cell) int {
	if !m.InBounds(c) {
		return Empty
	}
	data, ok := m.layers[layer]
	if !ok {
		return Empty
	}
	return data[c.Y*m.Width+c.X]
}

// InBounds 坐标是否在地图范围内
func (m *Map) InBounds(c grid.Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < m.Width && c.Y < m.Height
}

// IsPassableGround 越界或没有地面瓦片时不可通行
func (m *Map) IsPassableGround(c grid.Cell) bool {
	return m.TileAt(Ground, c) != Empty
}

// IsWater 地面瓦片带水属性，且同一格没有桥
func (m *Map) IsWater(c grid.Cell) bool {
	g := m.TileAt(Ground, c)
	if g == Empty || !m.water.Has(g) {
		return false
	}
	return m.TileAt(Bridge, c) == Empty
}

// Moveables 返回 Moveable 图层声明的可推动瓦片（格子 -> 瓦片编号）
func (m *Map) Moveables() map[grid.Cell]int {
	out := make(map[grid.Cell]int)
	data, ok := m.layers[Moveable]
	if !ok {
		return out
	}
	for i, gid := range data {
		if gid == Empty {
			continue
		}
		out[grid.Cell{X: i % m.Width, Y: i / m.Width}] = gid
	}
	return out
}
