package snapshot

import (
	"context"
	"fmt"
	"os"

	"github.com/gogpu/gg"

	"canvasServer/backend/internal/canvas"
)

// Renderer 用 gg 软件光栅化已解析的网格，每个格子 cellSize x cellSize 像素。
type Renderer struct {
	cellSize int
	dir      string
}

func NewRenderer(cellSize int, dir string) *Renderer {
	if cellSize <= 0 {
		cellSize = 8
	}
	return &Renderer{cellSize: cellSize, dir: dir}
}

// Capture writes a PNG to a temp file in r.dir; the caller removes it.
func (r *Renderer) Capture(ctx context.Context, c *canvas.Canvas, v *canvas.Viz) (string, error) {
	if c.GridWidth <= 0 {
		return "", canvas.ErrInvalidGridSize
	}
	dc, err := r.draw(ctx, c, v)
	if err != nil {
		return "", err
	}
	defer dc.Close()

	f, err := os.CreateTemp(r.dir, "canvas-"+c.ID+"-*.png")
	if err != nil {
		return "", err
	}
	path := f.Name()
	_ = f.Close()
	if err := dc.SavePNG(path); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save png: %w", err)
	}
	return path, nil
}

func (r *Renderer) draw(ctx context.Context, c *canvas.Canvas, v *canvas.Viz) (*gg.Context, error) {
	size := c.GridWidth * r.cellSize
	dc := gg.NewContext(size, size)
	dc.ClearWithColor(gg.Hex(c.BackgroundColor))

	cs := float64(r.cellSize)
	for i, res := range canvas.ResolveGrid(v.Cells, c) {
		if res.Color == c.BackgroundColor {
			continue
		}
		if err := ctx.Err(); err != nil {
			_ = dc.Close()
			return nil, err
		}
		row, col := canvas.CellIndex(i).Coords(c.GridWidth)
		dc.SetHexColor(res.Color)
		dc.DrawRectangle(float64(col)*cs, float64(row)*cs, cs, cs)
		if err := dc.Fill(); err != nil {
			_ = dc.Close()
			return nil, fmt.Errorf("fill cell %d: %w", i, err)
		}
	}
	return dc, nil
}
