package collab

import (
	"time"

	"canvasServer/backend/internal/canvas"
)

// CellDrawnEvent 是每次已提交的绘制发往 Kafka 的事件，下游可用于统计、回放。
type CellDrawnEvent struct {
	EventType  string     `json:"eventType"` // 固定 "CELL_DRAWN"
	CanvasID   string     `json:"canvasId"`
	Key        canvas.Key `json:"key"` // 日志中的有序 key
	Cell       int        `json:"cell"`
	Row        int        `json:"row"`
	Col        int        `json:"col"`
	Author     string     `json:"author"`
	Color      string     `json:"color"`
	DrawnAt    time.Time  `json:"drawnAt"`
	NextDrawAt time.Time  `json:"nextDrawAt"`
}

func NewCellDrawnEvent(c *canvas.Canvas, u canvas.CellUpdate, nextDrawAt time.Time) CellDrawnEvent {
	evt := CellDrawnEvent{
		EventType:  "CELL_DRAWN",
		CanvasID:   c.ID,
		Key:        u.ID,
		Cell:       int(u.Cell),
		Author:     u.Author,
		Color:      u.Color,
		DrawnAt:    u.Time,
		NextDrawAt: nextDrawAt,
	}
	if c.GridWidth > 0 {
		evt.Row, evt.Col = u.Cell.Coords(c.GridWidth)
	}
	return evt
}
