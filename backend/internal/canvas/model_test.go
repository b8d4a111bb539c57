package canvas

import (
	"errors"
	"testing"
	"time"
)

func TestIndexOf(t *testing.T) {
	idx, err := IndexOf(2, 3, 10)
	if err != nil {
		t.Fatalf("IndexOf error = %v", err)
	}
	if idx != 23 {
		t.Fatalf("IndexOf = %d, want 23", idx)
	}
	row, col := idx.Coords(10)
	if row != 2 || col != 3 {
		t.Fatalf("Coords = %d,%d", row, col)
	}
	if _, err := IndexOf(10, 0, 10); !errors.Is(err, ErrCellOutOfRange) {
		t.Fatalf("err = %v, want ErrCellOutOfRange", err)
	}
	if _, err := IndexOf(0, 0, 0); !errors.Is(err, ErrInvalidGridSize) {
		t.Fatalf("err = %v, want ErrInvalidGridSize", err)
	}
}

func TestCoordsWithoutGrid(t *testing.T) {
	for _, tc := range []struct {
		cell  CellIndex
		width int
	}{{5, 0}, {5, -3}, {NoCell, 4}} {
		if row, col := tc.cell.Coords(tc.width); row != -1 || col != -1 {
			t.Fatalf("Coords(%d) of %d = %d,%d, want -1,-1", tc.width, tc.cell, row, col)
		}
	}
}

func TestCellIndexValid(t *testing.T) {
	if !CellIndex(0).Valid(4) || !CellIndex(15).Valid(4) {
		t.Fatal("bounds should be valid")
	}
	if CellIndex(16).Valid(4) || NoCell.Valid(4) {
		t.Fatal("out of range index reported valid")
	}
}

func TestValidColor(t *testing.T) {
	for _, c := range []string{"#fff", "#A0b1C2", "#000000"} {
		if !ValidColor(c) {
			t.Fatalf("%q should be valid", c)
		}
	}
	for _, c := range []string{"", "fff", "#ffff", "#gggggg", "red"} {
		if ValidColor(c) {
			t.Fatalf("%q should be invalid", c)
		}
	}
}

func TestCanvasAuthorsAndExpiry(t *testing.T) {
	c := &Canvas{Authors: []string{"a"}, ExpiresAt: t0}
	if c.AddAuthor("a") {
		t.Fatal("duplicate author added")
	}
	if !c.AddAuthor("b") || !c.HasAuthor("b") {
		t.Fatal("author b not added")
	}
	if c.Expired(t0.Add(-time.Second)) {
		t.Fatal("expired too early")
	}
	if !c.Expired(t0) {
		t.Fatal("should be expired at ExpiresAt")
	}
	if (&Canvas{}).Expired(t0) {
		t.Fatal("zero ExpiresAt never expires")
	}
	cp := c.Clone()
	cp.AddAuthor("c")
	if c.HasAuthor("c") {
		t.Fatal("clone shares authors slice")
	}
}

func TestVizApplyAndMerge(t *testing.T) {
	v := NewViz("c1")
	snap := map[CellIndex]CellLog{5: {upd("1-0", 1, "#1"), upd("2-0", 2, "#2"), upd("3-0", 3, "#3")}}
	if n := v.Merge(snap); n != 3 {
		t.Fatalf("first merge applied %d", n)
	}
	if n := v.Merge(snap); n != 0 {
		t.Fatalf("second merge applied %d, want 0", n)
	}
	if len(v.Cells[5]) != 3 {
		t.Fatalf("cell 5 len = %d", len(v.Cells[5]))
	}
	if v.Apply(upd("2-0", 2, "#2")) {
		t.Fatal("replayed update applied")
	}
	cp := v.Clone()
	cp.Apply(upd("4-0", 4, "#4"))
	if len(v.Cells[5]) != 3 {
		t.Fatal("clone shares cell log")
	}
}
