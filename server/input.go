package server

import (
	"time"

	"tilesync/session"
)

type eventKind uint8

const (
	eventMessage    eventKind = iota // 客户端发来的一帧
	eventDisconnect                  // 读泵退出
)

// event 入站事件，由事件循环按到达顺序逐个处理
type event struct {
	kind    eventKind
	conn    session.ConnID
	payload []byte
	at      time.Time
}
