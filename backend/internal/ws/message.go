package ws

import (
	"strings"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/intent"
	"canvasServer/backend/internal/presence"
)

// ClientMessage 是客户端发来的消息，每种 type 对应一个 intent。
// select_cell 既可以给 cell 下标，也可以给 row/col。
type ClientMessage struct {
	Type     string `json:"type"`
	CanvasID string `json:"canvasId,omitempty"`
	Cell     *int   `json:"cell,omitempty"`
	Row      *int   `json:"row,omitempty"`
	Col      *int   `json:"col,omitempty"`
	Color    string `json:"color,omitempty"`
	Token    string `json:"token,omitempty"`
}

type CellMessage struct {
	Cell int `json:"cell"`
	canvas.Resolved
}

type ServerMessage struct {
	Type       string             `json:"type"`
	CanvasID   string             `json:"canvasId,omitempty"`
	Canvas     *canvas.Canvas     `json:"canvas,omitempty"`
	Cells      []CellMessage      `json:"cells,omitempty"`
	Update     *canvas.CellUpdate `json:"update,omitempty"`
	Resolved   *CellMessage       `json:"resolved,omitempty"`
	Live       map[string]int     `json:"live,omitempty"`
	Cell       *int               `json:"cell,omitempty"`
	Color      string             `json:"color,omitempty"`
	NextDrawAt *time.Time         `json:"nextDrawAt,omitempty"`
	Remaining  *int               `json:"remaining,omitempty"`
	Code       string             `json:"code,omitempty"`
	Error      string             `json:"error,omitempty"`
	Content    string             `json:"content,omitempty"`
}

func messageType(k intent.Kind) string { return strings.ToLower(string(k)) }

func errorMessage(code, msg string) ServerMessage {
	return ServerMessage{Type: "error", Code: code, Error: msg}
}

func cooldownMessage(canvasID string, left int) ServerMessage {
	return ServerMessage{Type: "cooldown", CanvasID: canvasID, Remaining: &left}
}

func others(live canvas.LiveMap, self string) map[string]int {
	out := make(map[string]int)
	for uid, cell := range presence.ObserveOthers(live, self) {
		out[uid] = int(cell)
	}
	return out
}

func resolvedGrid(c *canvas.Canvas, cells map[canvas.CellIndex]canvas.CellLog) []CellMessage {
	grid := canvas.ResolveGrid(cells, c)
	out := make([]CellMessage, len(grid))
	for i, r := range grid {
		out[i] = CellMessage{Cell: i, Resolved: r}
	}
	return out
}

// toServer 把 store 接受的 intent 转成发给客户端的消息。resolve 读取 store 当前的格子值。
// 返回 false 表示该 intent 不需要推送（客户端自己发出的 OPEN/DRAW 等请求）。
func toServer(in intent.Intent, self string, resolve func(canvas.CellIndex) (canvas.Resolved, bool)) (ServerMessage, bool) {
	msg := ServerMessage{Type: messageType(in.Kind), CanvasID: in.CanvasID}
	if in.Err != nil {
		msg.Error = in.Err.Error()
	}
	switch in.Kind {
	case intent.KindOpenSuccess:
		msg.Canvas = in.Canvas
		msg.Cells = resolvedGrid(in.Canvas, in.Cells)
		msg.Live = others(in.Live, self)

	case intent.KindSetLivePositions:
		msg.Live = others(in.Live, self)

	case intent.KindUpdateCell, intent.KindDrawSuccess:
		msg.Update = in.Update
		if r, ok := resolve(in.Update.Cell); ok {
			msg.Resolved = &CellMessage{Cell: int(in.Update.Cell), Resolved: r}
		}
		if in.Kind == intent.KindDrawSuccess {
			next := in.NextDrawAt
			msg.NextDrawAt = &next
		}

	case intent.KindSelectCell, intent.KindDrawFailure:
		cell := int(in.Cell)
		msg.Cell = &cell

	case intent.KindSelectColor:
		msg.Color = in.Color

	case intent.KindJoinSuccess:
		msg.Canvas = in.Canvas

	case intent.KindClose, intent.KindOpenNotFound, intent.KindUpdateFailure,
		intent.KindJoinNotFound, intent.KindJoinFailure:

	case intent.KindRegisterDevice:
		msg.Content = "device registered"

	default:
		// OPEN / DRAW / JOIN 是客户端自己的请求，等结果再推送
		return ServerMessage{}, false
	}
	return msg, true
}
