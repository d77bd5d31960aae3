// Package grid 交错等距（staggered isometric）网格的纯坐标运算。
//
// 只有四个斜向方向，没有正交移动；邻格偏移取决于行号奇偶。
package grid

import (
	"fmt"
	"strings"
)

// Cell 网格坐标
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// OddRow 奇数行（负数同样按补码奇偶判断）
func (c Cell) OddRow() bool { return c.Y&1 == 1 }

// Direction 四个斜向之一
type Direction uint8

const (
	DirNone Direction = iota
	UpLeft
	UpRight
	DownRight
	DownLeft
)

// Directions 全部合法方向，按顺时针排列
var Directions = [...]Direction{UpLeft, UpRight, DownRight, DownLeft}

var directionNames = map[Direction]string{
	UpLeft:    "up-left",
	UpRight:   "up-right",
	DownRight: "down-right",
	DownLeft:  "down-left",
}

func (d Direction) String() string {
	if s, ok := directionNames[d]; ok {
		return s
	}
	return "none"
}

// Valid 是否为四个斜向之一
func (d Direction) Valid() bool { return d >= UpLeft && d <= DownLeft }

// Opposite 反方向
func (d Direction) Opposite() Direction {
	switch d {
	case UpLeft:
		return DownRight
	case UpRight:
		return DownLeft
	case DownRight:
		return UpLeft
	case DownLeft:
		return UpRight
	}
	return DirNone
}

// ParseDirection 解析 "up-left" 等名称（大小写、下划线不敏感）
func ParseDirection(s string) (Direction, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for d, name := range directionNames {
		if name == norm {
			return d, nil
		}
	}
	return DirNone, fmt.Errorf("grid: unknown direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("grid: cannot marshal direction %d", d)
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// offset 偏移表：[方向][奇数行?] -> (dx, dy)
// 所有移动和推动的方向计算都必须归结到这张表。
var offset = map[Direction][2][2]int{
	//            偶数行      奇数行
	UpLeft:    {{-1, -1}, {0, -1}},
	UpRight:   {{0, -1}, {1, -1}},
	DownRight: {{0, 1}, {1, 1}},
	DownLeft:  {{-1, 1}, {0, 1}},
}

// Neighbor 返回 c 在方向 d 上的相邻格；非法方向返回 c 本身
func Neighbor(c Cell, d Direction) Cell {
	o, ok := offset[d]
	if !ok {
		return c
	}
	parity := 0
	if c.OddRow() {
		parity = 1
	}
	return Cell{X: c.X + o[parity][0], Y: c.Y + o[parity][1]}
}

// DirectionBetween 若 to 是 from 的斜向邻格，返回对应方向
func DirectionBetween(from, to Cell) (Direction, bool) {
	for _, d := range Directions {
		if Neighbor(from, d) == to {
			return d, true
		}
	}
	return DirNone, false
}
