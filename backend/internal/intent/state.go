package intent

import (
	"maps"
	"time"

	"canvasServer/backend/internal/canvas"
)

// State 是单个客户端的 UI 状态。Viz 单独存放在 Store 中，通过 Store.Viz 读取副本。
type State struct {
	UID      string
	CanvasID string // 当前打开的画布，"" 表示没有
	Canvas   *canvas.Canvas

	SelectedCell  canvas.CellIndex
	SelectedColor string
	Drawing       bool

	NotFound    bool
	Err         error
	DeviceToken string
}

func (s State) clone() State {
	s.Canvas = s.Canvas.Clone()
	return s
}

// reducer 只在 Store 的锁内运行，不做任何 I/O。
type reducer struct {
	state State
	viz   *canvas.Viz
	// canvasID -> nextDrawAt，切换画布后依然保留
	cooldowns map[string]time.Time
}

func newReducer(uid string) *reducer {
	return &reducer{
		state:     State{UID: uid, SelectedCell: canvas.NoCell},
		cooldowns: make(map[string]time.Time),
	}
}

func (r *reducer) active(canvasID string) bool {
	return canvasID != "" && canvasID == r.state.CanvasID
}

// reduce applies in to the state. It returns false when the intent is stale or a
// no-op; such intents are neither forwarded to subscribers nor given to effects.
// in may be completed from the current state (CLOSE and DRAW target the active canvas).
func (r *reducer) reduce(in *Intent) bool {
	st := &r.state
	switch in.Kind {
	case KindOpen:
		if in.CanvasID == "" {
			return false
		}
		st.CanvasID = in.CanvasID
		st.Canvas = nil
		st.NotFound = false
		st.Err = nil
		st.SelectedCell = canvas.NoCell
		st.Drawing = false
		r.viz = canvas.NewViz(in.CanvasID)

	case KindOpenSuccess:
		if !r.active(in.CanvasID) || r.viz == nil {
			return false
		}
		v := canvas.NewViz(in.CanvasID)
		v.Merge(in.Cells)
		if in.Live != nil {
			v.Live = maps.Clone(in.Live)
		}
		v.Loading = false
		r.viz = v
		st.Canvas = in.Canvas.Clone()
		if next, ok := r.cooldowns[in.CanvasID]; ok && next.After(st.Canvas.NextDrawAt) {
			st.Canvas.NextDrawAt = next
		}

	case KindOpenNotFound:
		if !r.active(in.CanvasID) {
			return false
		}
		st.CanvasID = ""
		st.Canvas = nil
		st.NotFound = true
		st.Err = in.Err
		r.viz = nil

	case KindUpdateCell:
		if !r.active(in.CanvasID) || r.viz == nil || r.viz.Loading || in.Update == nil {
			return false
		}
		return r.viz.Apply(*in.Update)

	case KindSetLivePositions:
		if !r.active(in.CanvasID) || r.viz == nil {
			return false
		}
		r.viz.Live = maps.Clone(in.Live)
		if r.viz.Live == nil {
			r.viz.Live = make(canvas.LiveMap)
		}

	case KindUpdateFailure:
		if !r.active(in.CanvasID) {
			return false
		}
		st.Err = in.Err

	case KindClose:
		if in.CanvasID == "" {
			in.CanvasID = st.CanvasID
		}
		if in.CanvasID == "" || in.CanvasID != st.CanvasID {
			return false
		}
		st.CanvasID = ""
		st.Canvas = nil
		st.SelectedCell = canvas.NoCell
		st.Drawing = false
		st.Err = nil
		r.viz = nil

	case KindSelectCell:
		if st.CanvasID == "" {
			return false
		}
		in.CanvasID = st.CanvasID
		st.SelectedCell = in.Cell

	case KindSelectColor:
		st.SelectedColor = in.Color

	case KindDraw:
		if st.Drawing || st.CanvasID == "" || st.Canvas == nil {
			return false
		}
		in.CanvasID = st.CanvasID
		if in.Cell == canvas.NoCell {
			in.Cell = st.SelectedCell
		}
		if in.Color == "" {
			in.Color = st.SelectedColor
		}
		st.Drawing = true

	case KindDrawSuccess:
		if in.CanvasID == "" || in.Update == nil {
			return false
		}
		r.cooldowns[in.CanvasID] = in.NextDrawAt
		if r.active(in.CanvasID) {
			st.Drawing = false
			st.Err = nil
			if st.Canvas != nil {
				st.Canvas.NextDrawAt = in.NextDrawAt
			}
			// 乐观更新；稍后从 feed 回来的同一个 key 会被 Viz 去重
			if r.viz != nil {
				r.viz.Apply(*in.Update)
			}
		}

	case KindDrawFailure:
		if r.active(in.CanvasID) {
			st.Drawing = false
			st.Err = in.Err
		}

	case KindJoin:
		if in.CanvasID == "" {
			return false
		}
		st.NotFound = false
		st.Err = nil

	case KindJoinSuccess:
		if r.active(in.CanvasID) && st.Canvas != nil && in.Canvas != nil {
			next := st.Canvas.NextDrawAt
			st.Canvas = in.Canvas.Clone()
			st.Canvas.NextDrawAt = next
		}

	case KindJoinNotFound:
		st.NotFound = true
		st.Err = in.Err

	case KindJoinFailure:
		st.Err = in.Err

	case KindRegisterDevice:
		if in.Token == st.DeviceToken {
			return false
		}
		st.DeviceToken = in.Token

	default:
		return false
	}
	return true
}
