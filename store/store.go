// Package store 会话存档（最后所在地图、出生格、剧情标记），保存在 bbolt 中。
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tilesync/grid"
)

var sessionsBucket = []byte("sessions")

// ErrNotFound 会话没有存档
var ErrNotFound = errors.New("store: record not found")

// Record 单个会话的存档
type Record struct {
	Session    string            `json:"session"`
	Map        string            `json:"map"`
	Spawn      grid.Cell         `json:"spawn"`
	StoryFlags map[string]string `json:"storyFlags"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Store 基于 bbolt 的存档
type Store struct {
	db *bolt.DB
}

// Open 打开（或创建）存档文件
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load 读取存档，不存在时返回 ErrNotFound
func (s *Store) Load(session string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(session))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	if rec.StoryFlags == nil {
		rec.StoryFlags = map[string]string{}
	}
	return rec, nil
}

// SavePosition 记录最后所在的地图与格子，保留已有的剧情标记
func (s *Store) SavePosition(session, mapKey string, cell grid.Cell) error {
	return s.update(session, func(rec *Record) {
		rec.Map = mapKey
		rec.Spawn = cell
	})
}

// SetFlag 写入单个剧情标记
func (s *Store) SetFlag(session, key, value string) error {
	return s.update(session, func(rec *Record) {
		rec.StoryFlags[key] = value
	})
}

// update 在同一个写事务内读-改-写
func (s *Store) update(session string, fn func(*Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		rec := Record{Session: session}
		if raw := b.Get([]byte(session)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("store: decode %s: %w", session, err)
			}
		}
		if rec.StoryFlags == nil {
			rec.StoryFlags = map[string]string{}
		}
		fn(&rec)
		rec.UpdatedAt = time.Now().UTC()

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(session), raw)
	})
}

// Sessions 返回存档数量
func (s *Store) Sessions() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(sessionsBucket).Stats().KeyN
		return nil
	})
	return n, err
}
