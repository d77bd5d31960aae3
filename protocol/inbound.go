// Package protocol 客户端与服务端之间的 JSON 消息定义。
//
// 所有消息都是带 type 字段的扁平 JSON 文本帧。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tilesync/grid"
)

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// 客户端 -> 服务端
const (
	TypeAnnounce   = "announce-on-map"
	TypeMoveIntent = "move-intent"
	TypeReport     = "position-report"
	TypeTilePush   = "tile-push"
	TypeSignal     = "signal"
	TypeSetFlag    = "set-flag"
	TypeLoadSave   = "load-save"
	TypeLeave      = "leave"
)

// 旧版客户端使用的事件名
var legacyTypes = map[string]string{
	"playerChangedMap":  TypeAnnounce,
	"playerMovement":    TypeReport,
	"moveableTileMoved": TypeTilePush,
	"meow":              TypeSignal,
}

// Inbound 所有入站消息实现该接口
type Inbound interface {
	InboundType() string
}

// Announce 声明自己在某张地图上（首次加入或切换地图）
type Announce struct {
	Map string `json:"map" jsonschema:"description=Map key to join,pattern=^[A-Za-z0-9_-]+$"`
	X   int    `json:"x" jsonschema:"description=Requested spawn column"`
	Y   int    `json:"y" jsonschema:"description=Requested spawn row"`
}

// MoveIntent 朝某方向走一步；推动由目标格是否有可推动瓦片隐式决定
type MoveIntent struct {
	Direction grid.Direction `json:"direction" jsonschema:"type=string,enum=up-left,enum=up-right,enum=down-right,enum=down-left"`
	Seq       int64          `json:"seq,omitempty" jsonschema:"description=Client sequence echoed in move-rejected"`
}

// PositionReport 旧客户端在一步动画结束后报告已到达的格子。
// 与服务端位置相同时是确认；是 direction 方向的邻格时按一步处理；其余视为不同步。
type PositionReport struct {
	X         int            `json:"x"`
	Y         int            `json:"y"`
	Direction grid.Direction `json:"direction" jsonschema:"type=string,enum=up-left,enum=up-right,enum=down-right,enum=down-left"`
	Seq       int64          `json:"seq,omitempty"`
}

// TilePush 显式推动请求，服务端会换算成方向后走同一条校验流程
type TilePush struct {
	Old       grid.Cell `json:"old"`
	New       grid.Cell `json:"new"`
	TileIndex int       `json:"tileIndex"`
	Seq       int64     `json:"seq,omitempty"`
}

// Signal 无状态的表情/叫声，转发给同地图其他玩家
type Signal struct {
	Name string `json:"name,omitempty" jsonschema:"maxLength=32"`
}

// SetFlag 写入剧情标记
type SetFlag struct {
	Key   string `json:"key" jsonschema:"minLength=1,maxLength=64"`
	Value string `json:"value"`
}

// LoadSave 请求当前会话的存档
type LoadSave struct{}

// Leave 主动离开（等同断线）
type Leave struct{}

func (Announce) InboundType() string       { return TypeAnnounce }
func (MoveIntent) InboundType() string     { return TypeMoveIntent }
func (PositionReport) InboundType() string { return TypeReport }
func (TilePush) InboundType() string       { return TypeTilePush }
func (Signal) InboundType() string         { return TypeSignal }
func (SetFlag) InboundType() string        { return TypeSetFlag }
func (LoadSave) InboundType() string       { return TypeLoadSave }
func (Leave) InboundType() string          { return TypeLeave }

const (
	maxSignalName = 32
	maxFlagKey    = 64
	maxFlagValue  = 1024
)

// Decode 解析一帧入站消息；任何格式问题都返回 ErrMalformed / ErrUnknownType
func Decode(payload []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ := head.Type
	if alias, ok := legacyTypes[typ]; ok {
		typ = alias
	}

	switch typ {
	case TypeAnnounce:
		var m Announce
		if err := decodeInto(payload, &m); err != nil {
			return nil, err
		}
		if m.Map == "" {
			return nil, fmt.Errorf("%w: announce without map", ErrMalformed)
		}
		return m, nil

	case TypeMoveIntent:
		var m MoveIntent
		if err := decodeInto(payload, &m); err != nil {
			return nil, err
		}
		if !m.Direction.Valid() {
			return nil, fmt.Errorf("%w: move without direction", ErrMalformed)
		}
		return m, nil

	case TypeReport:
		var m PositionReport
		if err := decodeInto(payload, &m); err != nil {
			return nil, err
		}
		if !m.Direction.Valid() {
			return nil, fmt.Errorf("%w: position report without direction", ErrMalformed)
		}
		return m, nil

	case TypeTilePush:
		var m TilePush
		if err := decodeInto(payload, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeSignal:
		var m Signal
		if err := decodeInto(payload, &m); err != nil {
			return nil, err
		}
		if m.Name == "" {
			// 旧客户端的 meow 事件不带任何字段
			m.Name = "meow"
		}
		if len(m.Name) > maxSignalName {
			return nil, fmt.Errorf("%w: signal name too long", ErrMalformed)
		}
		return m, nil

	case TypeSetFlag:
		var m SetFlag
		if err := decodeInto(payload, &m); err != nil {
			return nil, err
		}
		m.Key = strings.TrimSpace(m.Key)
		if m.Key == "" || len(m.Key) > maxFlagKey || len(m.Value) > maxFlagValue {
			return nil, fmt.Errorf("%w: invalid flag", ErrMalformed)
		}
		return m, nil

	case TypeLoadSave:
		return LoadSave{}, nil

	case TypeLeave:
		return Leave{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
}

func decodeInto(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
