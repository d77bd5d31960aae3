package tilemap

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"tilesync/grid"
)

// Tiled 导出的 JSON 地图（只解析用到的字段）
type tiledMap struct {
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Infinite    bool            `json:"infinite"`
	Orientation string          `json:"orientation"`
	Layers      []tiledLayer    `json:"layers"`
	Tilesets    []tiledTileset  `json:"tilesets"`
	Properties  []tiledProperty `json:"properties"`
}

type tiledLayer struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Data        json.RawMessage `json:"data"`
	Encoding    string          `json:"encoding"`
	Compression string          `json:"compression"`
	Layers      []tiledLayer    `json:"layers"`
}

type tiledTileset struct {
	FirstGID int         `json:"firstgid"`
	Source   string      `json:"source"`
	Tiles    []tiledTile `json:"tiles"`
}

type tiledTile struct {
	ID         int             `json:"id"`
	Properties []tiledProperty `json:"properties"`
}

type tiledProperty struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// 高三位是翻转标记
const gidMask = 0x1FFFFFFF

// Parse 解析 Tiled JSON 地图
func Parse(key string, raw []byte) (*Map, error) {
	var tm tiledMap
	if err := json.Unmarshal(raw, &tm); err != nil {
		return nil, fmt.Errorf("tilemap: decode %s: %w", key, err)
	}
	if tm.Infinite {
		return nil, fmt.Errorf("tilemap: %s: infinite maps are not supported", key)
	}
	if tm.Width <= 0 || tm.Height <= 0 {
		return nil, fmt.Errorf("tilemap: %s: invalid size %dx%d", key, tm.Width, tm.Height)
	}

	m := New(key, tm.Width, tm.Height)
	for _, ts := range tm.Tilesets {
		for _, tile := range ts.Tiles {
			for _, p := range tile.Properties {
				if p.Name == "water" && truthy(p.Value) {
					m.MarkWater(ts.FirstGID + tile.ID)
				}
			}
		}
	}

	if err := m.loadLayers(tm.Layers); err != nil {
		return nil, fmt.Errorf("tilemap: %s: %w", key, err)
	}
	if !m.HasLayer(Ground) {
		return nil, fmt.Errorf("tilemap: %s: missing %s layer", key, Ground)
	}

	var sx, sy int
	var okX, okY bool
	for _, p := range tm.Properties {
		switch p.Name {
		case "spawnX":
			sx, okX = intValue(p.Value)
		case "spawnY":
			sy, okY = intValue(p.Value)
		}
	}
	if okX && okY {
		m.SetSpawn(grid.Cell{X: sx, Y: sy})
	}
	return m, nil
}

func (m *Map) loadLayers(layers []tiledLayer) error {
	for _, l := range layers {
		switch l.Type {
		case "group":
			if err := m.loadLayers(l.Layers); err != nil {
				return err
			}
		case "tilelayer":
			name := Layer(l.Name)
			switch name {
			case Ground, Bridge, Foliage, Moveable:
			default:
				continue
			}
			data, err := decodeLayerData(l)
			if err != nil {
				return fmt.Errorf("layer %s: %w", l.Name, err)
			}
			if len(data) != m.Width*m.Height {
				return fmt.Errorf("layer %s: %d tiles for %dx%d map", l.Name, len(data), m.Width, m.Height)
			}
			for i := range data {
				data[i] &= gidMask
			}
			m.layers[name] = data
		}
	}
	return nil
}

func decodeLayerData(l tiledLayer) ([]int, error) {
	if l.Encoding == "" || l.Encoding == "csv" {
		var data []int
		if err := json.Unmarshal(l.Data, &data); err != nil {
			return nil, err
		}
		return data, nil
	}
	if l.Encoding != "base64" {
		return nil, fmt.Errorf("unsupported encoding %q", l.Encoding)
	}

	var s string
	if err := json.Unmarshal(l.Data, &s); err != nil {
		return nil, err
	}
	buf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	var r io.Reader = bytes.NewReader(buf)
	switch l.Compression {
	case "":
	case "zlib":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	default:
		return nil, fmt.Errorf("unsupported compression %q", l.Compression)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("truncated tile data (%d bytes)", len(raw))
	}
	data := make([]int, len(raw)/4)
	for i := range data {
		data[i] = int(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return data, nil
}

// truthy Tiled 属性值可能是 "1"、1、true 或 "true"
func truthy(v json.RawMessage) bool {
	switch strings.ToLower(strings.Trim(string(bytes.TrimSpace(v)), `"`)) {
	case "1", "true":
		return true
	}
	return false
}

func intValue(v json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		var parsed int
		if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
