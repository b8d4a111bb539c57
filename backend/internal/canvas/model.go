package canvas

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// CellIndex 是网格中的线性下标：row*gridWidth + col。
type CellIndex int

// NoCell 是 presence 中“在线但未选中格子”的哨兵值。
const NoCell CellIndex = -1

var (
	ErrNotFound        = errors.New("canvas not found")
	ErrCellOutOfRange  = errors.New("cell index out of range")
	ErrExpired         = errors.New("canvas expired")
	ErrInvalidColor    = errors.New("invalid color")
	ErrInvalidGridSize = errors.New("invalid grid width")
)

// IndexOf maps grid coordinates to a cell index.
func IndexOf(row, col, gridWidth int) (CellIndex, error) {
	if gridWidth <= 0 {
		return NoCell, ErrInvalidGridSize
	}
	if row < 0 || col < 0 || row >= gridWidth || col >= gridWidth {
		return NoCell, fmt.Errorf("row=%d col=%d width=%d: %w", row, col, gridWidth, ErrCellOutOfRange)
	}
	return CellIndex(row*gridWidth + col), nil
}

// Coords is the inverse of IndexOf. It returns (-1, -1) for NoCell or a non-positive width.
func (i CellIndex) Coords(gridWidth int) (row, col int) {
	if gridWidth <= 0 || i < 0 {
		return -1, -1
	}
	return int(i) / gridWidth, int(i) % gridWidth
}

func (i CellIndex) Valid(gridWidth int) bool {
	return i >= 0 && int(i) < gridWidth*gridWidth
}

type Canvas struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BackgroundColor string    `json:"backgroundColor"`
	Creator         string    `json:"creator"`
	Authors         []string  `json:"authors"`
	GridWidth       int       `json:"gridWidth"`
	DrawInterval    float64   `json:"drawIntervalMinutes"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	// NextDrawAt 只存在于客户端投影中，不落库
	NextDrawAt time.Time `json:"nextDrawAt"`
}

func (c *Canvas) HasAuthor(uid string) bool {
	return slices.Contains(c.Authors, uid)
}

// AddAuthor reports whether uid was newly added.
func (c *Canvas) AddAuthor(uid string) bool {
	if c.HasAuthor(uid) {
		return false
	}
	c.Authors = append(c.Authors, uid)
	return true
}

func (c *Canvas) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c *Canvas) Clone() *Canvas {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Authors = slices.Clone(c.Authors)
	return &cp
}

// CellUpdate is one append-only entry of a cell log.
type CellUpdate struct {
	ID     Key       `json:"id"`
	Cell   CellIndex `json:"cell"`
	Time   time.Time `json:"time"`
	Author string    `json:"author"`
	Color  string    `json:"color"`
}

// ValidColor accepts #rgb and #rrggbb hex colors.
func ValidColor(c string) bool {
	if len(c) != 4 && len(c) != 7 {
		return false
	}
	if c[0] != '#' {
		return false
	}
	for _, r := range c[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
