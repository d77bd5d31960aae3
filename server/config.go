package server

import (
	"errors"
	"fmt"
	"time"

	"tilesync/grid"
	"tilesync/session"
)

// Config 服务运行参数，main 中由命令行覆盖
type Config struct {
	Addr      string
	MapsDir   string
	WebDir    string
	StorePath string // 为空时不持久化存档

	LogFile   string
	LogLevel  string
	LogStdout bool

	DefaultMap   string
	DefaultSpawn grid.Cell

	// 服务端过渡锁：一步的时长与网络抖动容差
	StepDuration  time.Duration
	StepTolerance time.Duration

	SendQueue int   // 每个连接的出站队列长度，满了视为慢消费者
	InboxSize int   // 入站事件队列长度
	ReadLimit int64 // 单帧最大字节数
}

func DefaultConfig() Config {
	return Config{
		Addr:          ":3001",
		MapsDir:       "maps",
		WebDir:        "web",
		StorePath:     "saves.db",
		LogFile:       "app.log",
		LogLevel:      "info",
		DefaultMap:    "map",
		DefaultSpawn:  grid.Cell{X: 13, Y: 11},
		StepDuration:  session.DefaultStepDuration,
		StepTolerance: session.DefaultStepTolerance,
		SendQueue:     256,
		InboxSize:     1024,
		ReadLimit:     4 << 10,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.MapsDir == "" {
		errs = append(errs, errors.New("maps dir is required"))
	}
	if c.DefaultMap == "" {
		errs = append(errs, errors.New("default map is required"))
	}
	if c.StepDuration < 0 || c.StepTolerance < 0 {
		errs = append(errs, fmt.Errorf("negative step timing %v/%v", c.StepDuration, c.StepTolerance))
	}
	if c.SendQueue <= 0 || c.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("queue sizes must be positive (send=%d inbox=%d)", c.SendQueue, c.InboxSize))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read limit must be positive, got %d", c.ReadLimit))
	}
	return errors.Join(errs...)
}
