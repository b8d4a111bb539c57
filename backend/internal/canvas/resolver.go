package canvas

import "time"

// Resolved is the displayed state of one cell.
type Resolved struct {
	Color  string    `json:"color"`
	Time   time.Time `json:"time"`
	Author string    `json:"author,omitempty"`
}

// Resolve returns the last-write-wins value of a cell log: the update with the greatest
// (time, key) pair. An empty log yields fallback. The input is not modified.
func Resolve(log []CellUpdate, fallback Resolved) Resolved {
	if len(log) == 0 {
		return fallback
	}
	best := log[0]
	for _, u := range log[1:] {
		if newer(u, best) {
			best = u
		}
	}
	return Resolved{Color: best.Color, Time: best.Time, Author: best.Author}
}

func newer(a, b CellUpdate) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.After(b.Time)
	}
	return Compare(a.ID, b.ID) > 0
}

// Fallback is the value of a cell nobody has drawn on yet.
func (c *Canvas) Fallback() Resolved {
	return Resolved{Color: c.BackgroundColor, Time: c.CreatedAt}
}

// ResolveGrid resolves every cell of a gridWidth x gridWidth canvas.
func ResolveGrid(cells map[CellIndex]CellLog, c *Canvas) []Resolved {
	n := c.GridWidth * c.GridWidth
	out := make([]Resolved, n)
	fb := c.Fallback()
	for i := range n {
		out[i] = Resolve(cells[CellIndex(i)], fb)
	}
	return out
}
