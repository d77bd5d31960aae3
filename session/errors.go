package session

import (
	"errors"

	"tilesync/tilemap"
)

var (
	ErrOutOfBounds         = errors.New("session: cell out of bounds")
	ErrImpassable          = errors.New("session: cell is impassable")
	ErrTileNotFound        = errors.New("session: no moveable tile at cell")
	ErrDestinationOccupied = errors.New("session: destination occupied by moveable tile")
	ErrDuplicateConnection = errors.New("session: connection already registered")
	ErrUnknownConnection   = errors.New("session: unknown connection")
	ErrBusy                = errors.New("session: player is still moving")
	ErrInvalidDirection    = errors.New("session: invalid direction")
	ErrInvalidPush         = errors.New("session: push is not colinear with player")
	ErrPositionMismatch    = errors.New("session: reported cell is not reachable from server position")
)

// Reason 错误到线上 reason 字符串的映射（move-rejected 中使用）
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutOfBounds):
		return "out-of-bounds"
	case errors.Is(err, ErrImpassable):
		return "impassable"
	case errors.Is(err, ErrTileNotFound):
		return "tile-not-found"
	case errors.Is(err, ErrDestinationOccupied):
		return "destination-occupied"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrInvalidDirection):
		return "invalid-direction"
	case errors.Is(err, ErrInvalidPush):
		return "invalid-push"
	case errors.Is(err, ErrPositionMismatch):
		return "position-mismatch"
	case errors.Is(err, ErrUnknownConnection):
		return "not-joined"
	case errors.Is(err, tilemap.ErrUnknownMap):
		return "unknown-map"
	}
	return "rejected"
}
