package canvas

import (
	"maps"
	"slices"
)

// CellLog 是单个格子的追加日志，按到达顺序保存。
type CellLog []CellUpdate

// Contains reports whether an update with key k is already in the log.
func (l CellLog) Contains(k Key) bool {
	return slices.ContainsFunc(l, func(u CellUpdate) bool { return u.ID == k })
}

// Append adds u unless its key was already seen; replaying an update is a no-op.
func (l CellLog) Append(u CellUpdate) (CellLog, bool) {
	if u.ID != "" && l.Contains(u.ID) {
		return l, false
	}
	return append(l, u), true
}

// LiveMap is the presence map: uid -> selected cell (NoCell when idle).
type LiveMap map[string]CellIndex

// Viz 是客户端本地的合并读模型：历史格子日志 + 在线位置。
type Viz struct {
	ID      string                `json:"id"`
	Cells   map[CellIndex]CellLog `json:"cells"`
	Live    LiveMap               `json:"live"`
	Loading bool                  `json:"loading"`
}

func NewViz(id string) *Viz {
	return &Viz{
		ID:      id,
		Cells:   make(map[CellIndex]CellLog),
		Live:    make(LiveMap),
		Loading: true,
	}
}

// Apply appends u to its cell's log; it reports false when the key was already present.
func (v *Viz) Apply(u CellUpdate) bool {
	log, added := v.Cells[u.Cell].Append(u)
	if added {
		v.Cells[u.Cell] = log
	}
	return added
}

// Merge applies every update of a snapshot; already-seen keys are skipped.
func (v *Viz) Merge(cells map[CellIndex]CellLog) int {
	n := 0
	for _, log := range cells {
		for _, u := range log {
			if v.Apply(u) {
				n++
			}
		}
	}
	return n
}

func (v *Viz) Resolve(i CellIndex, fallback Resolved) Resolved {
	return Resolve(v.Cells[i], fallback)
}

func (v *Viz) Clone() *Viz {
	if v == nil {
		return nil
	}
	cells := make(map[CellIndex]CellLog, len(v.Cells))
	for i, log := range v.Cells {
		cells[i] = slices.Clone(log)
	}
	return &Viz{ID: v.ID, Cells: cells, Live: maps.Clone(v.Live), Loading: v.Loading}
}
