package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"canvasServer/backend/internal/canvas"
)

func TestIsDuplicate(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	if !isDuplicate(dup) {
		t.Fatal("1062 not detected")
	}
	if isDuplicate(&mysql.MySQLError{Number: 1452}) || isDuplicate(errors.New("x")) {
		t.Fatal("false positive")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &canvas.Canvas{
		ID: "c1", Name: "mural", BackgroundColor: "#ffffff", Creator: "a",
		Authors: []string{"a", "b"}, GridWidth: 16, DrawInterval: 0.5,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	got := toCanvas(fromCanvas(c))
	if got.ID != c.ID || got.GridWidth != 16 || len(got.Authors) != 2 || got.Authors[1] != "b" {
		t.Fatalf("round trip = %+v", got)
	}
	if !got.ExpiresAt.Equal(c.ExpiresAt) {
		t.Fatalf("expiresAt = %v", got.ExpiresAt)
	}
	c.ExpiresAt = time.Time{}
	if rec := fromCanvas(c); rec.ExpiresAt != nil {
		t.Fatal("zero expiresAt stored")
	}
}

// CANVAS_TEST_MYSQL_DSN 未设置时跳过
func TestCanvasStoreMySQL(t *testing.T) {
	dsn := os.Getenv("CANVAS_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: CANVAS_TEST_MYSQL_DSN not set")
	}
	db, err := OpenMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	ctx := context.Background()
	s := NewCanvasStore(db)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	id := uuid.NewString()
	c := &canvas.Canvas{ID: id, Name: "t", BackgroundColor: "#fff", Creator: "a", Authors: []string{"a"}, GridWidth: 4, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		db.Where("canvas_id = ?", id).Delete(&CanvasAuthor{})
		db.Where("id = ?", id).Delete(&CanvasRecord{})
	})

	for i := 0; i < 2; i++ {
		got, err := s.AddAuthor(ctx, id, "b")
		if err != nil {
			t.Fatalf("AddAuthor #%d: %v", i, err)
		}
		if len(got.Authors) != 2 {
			t.Fatalf("authors = %v", got.Authors)
		}
	}
	if _, err := s.AddAuthor(ctx, uuid.NewString(), "b"); !errors.Is(err, canvas.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, canvas.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
