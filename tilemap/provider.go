package tilemap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sasha-s/go-deadlock"
)

// ErrUnknownMap 地图不存在或名称非法
var ErrUnknownMap = errors.New("tilemap: unknown map")

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Provider 按名称提供地图数据
type Provider interface {
	Map(key string) (*Map, error)
}

// DirProvider 从目录读取 <key>.json，首次加载后缓存
type DirProvider struct {
	dir string

	mu    deadlock.Mutex
	cache map[string]*Map
}

func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir, cache: make(map[string]*Map)}
}

func (p *DirProvider) Map(key string) (*Map, error) {
	if !validKey.MatchString(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMap, key)
	}
	p.mu.Lock()
	m, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return m, nil
	}

	// 读文件和解析不持锁；并发首次加载时保留先写入缓存的那份
	raw, err := os.ReadFile(filepath.Join(p.dir, key+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMap, key)
		}
		return nil, err
	}
	m, err = Parse(key, raw)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[key]; ok {
		return cached, nil
	}
	p.cache[key] = m
	return m, nil
}

// StaticProvider 内存中的固定地图集合
type StaticProvider map[string]*Map

func (p StaticProvider) Map(key string) (*Map, error) {
	if m, ok := p[key]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMap, key)
}
