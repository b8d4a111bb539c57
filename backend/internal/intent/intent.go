package intent

import (
	"time"

	"canvasServer/backend/internal/canvas"
)

type Kind string

const (
	KindOpen             Kind = "OPEN"
	KindOpenSuccess      Kind = "OPEN_SUCCESS"
	KindOpenNotFound     Kind = "OPEN_NOT_FOUND"
	KindUpdateCell       Kind = "UPDATE_CELL"
	KindSetLivePositions Kind = "SET_LIVE_POSITIONS"
	KindUpdateFailure    Kind = "UPDATE_FAILURE"
	KindClose            Kind = "CLOSE"

	KindSelectCell  Kind = "SELECT_CELL"
	KindSelectColor Kind = "SELECT_COLOR"
	KindDraw        Kind = "DRAW"
	KindDrawSuccess Kind = "DRAW_SUCCESS"
	KindDrawFailure Kind = "DRAW_FAILURE"

	KindJoin         Kind = "JOIN"
	KindJoinSuccess  Kind = "JOIN_SUCCESS"
	KindJoinNotFound Kind = "JOIN_NOT_FOUND"
	KindJoinFailure  Kind = "JOIN_FAILURE"

	KindRegisterDevice Kind = "REGISTER_DEVICE"
)

// Intent 是不可变的“发生了什么”的描述，只通过 Store.Dispatch 进入系统。
// 每种 Kind 只使用下面的一部分字段。
type Intent struct {
	Kind     Kind
	CanvasID string

	Cell  canvas.CellIndex
	Color string
	Token string

	Canvas *canvas.Canvas
	Update *canvas.CellUpdate
	Cells  map[canvas.CellIndex]canvas.CellLog
	Live   canvas.LiveMap

	NextDrawAt time.Time
	Err        error
}

func Open(canvasID string) Intent { return Intent{Kind: KindOpen, CanvasID: canvasID, Cell: canvas.NoCell} }

func OpenSuccess(c *canvas.Canvas, cells map[canvas.CellIndex]canvas.CellLog, live canvas.LiveMap) Intent {
	return Intent{Kind: KindOpenSuccess, CanvasID: c.ID, Canvas: c, Cells: cells, Live: live, Cell: canvas.NoCell}
}

func OpenNotFound(canvasID string, err error) Intent {
	return Intent{Kind: KindOpenNotFound, CanvasID: canvasID, Err: err, Cell: canvas.NoCell}
}

func UpdateCell(canvasID string, u canvas.CellUpdate) Intent {
	return Intent{Kind: KindUpdateCell, CanvasID: canvasID, Cell: u.Cell, Update: &u}
}

func SetLivePositions(canvasID string, live canvas.LiveMap) Intent {
	return Intent{Kind: KindSetLivePositions, CanvasID: canvasID, Live: live, Cell: canvas.NoCell}
}

func UpdateFailure(canvasID string, err error) Intent {
	return Intent{Kind: KindUpdateFailure, CanvasID: canvasID, Err: err, Cell: canvas.NoCell}
}

// Close closes the active canvas.
func Close() Intent { return Intent{Kind: KindClose, Cell: canvas.NoCell} }

func SelectCell(cell canvas.CellIndex) Intent { return Intent{Kind: KindSelectCell, Cell: cell} }

func SelectColor(color string) Intent {
	return Intent{Kind: KindSelectColor, Color: color, Cell: canvas.NoCell}
}

// Draw paints the selected color on the selected cell.
func Draw() Intent { return Intent{Kind: KindDraw, Cell: canvas.NoCell} }

func DrawSuccess(canvasID string, u canvas.CellUpdate, nextDrawAt time.Time) Intent {
	return Intent{Kind: KindDrawSuccess, CanvasID: canvasID, Cell: u.Cell, Color: u.Color, Update: &u, NextDrawAt: nextDrawAt}
}

func DrawFailure(canvasID string, cell canvas.CellIndex, err error) Intent {
	return Intent{Kind: KindDrawFailure, CanvasID: canvasID, Cell: cell, Err: err}
}

func Join(canvasID string) Intent { return Intent{Kind: KindJoin, CanvasID: canvasID, Cell: canvas.NoCell} }

func JoinSuccess(c *canvas.Canvas) Intent {
	return Intent{Kind: KindJoinSuccess, CanvasID: c.ID, Canvas: c, Cell: canvas.NoCell}
}

func JoinNotFound(canvasID string, err error) Intent {
	return Intent{Kind: KindJoinNotFound, CanvasID: canvasID, Err: err, Cell: canvas.NoCell}
}

func JoinFailure(canvasID string, err error) Intent {
	return Intent{Kind: KindJoinFailure, CanvasID: canvasID, Err: err, Cell: canvas.NoCell}
}

func RegisterDevice(token string) Intent {
	return Intent{Kind: KindRegisterDevice, Token: token, Cell: canvas.NoCell}
}
