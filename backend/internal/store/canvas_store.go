package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/session"
)

// CanvasRecord 是 canvases 表。nextDrawAt 只在客户端投影里，不落库。
type CanvasRecord struct {
	ID              string  `gorm:"primaryKey;type:varchar(64)"`
	Name            string  `gorm:"type:varchar(128)"`
	BackgroundColor string  `gorm:"type:varchar(7)"`
	Creator         string  `gorm:"type:varchar(64);index"`
	GridWidth       int     `gorm:"not null"`
	DrawInterval    float64 `gorm:"not null;default:0"`
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Authors         []CanvasAuthor `gorm:"foreignKey:CanvasID;references:ID"`
}

func (CanvasRecord) TableName() string { return "canvases" }

// CanvasAuthor 是 canvas_authors 表，(canvas_id, uid) 唯一。
type CanvasAuthor struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	CanvasID  string    `gorm:"type:varchar(64);uniqueIndex:uk_canvas_uid"`
	UID       string    `gorm:"column:uid;type:varchar(64);uniqueIndex:uk_canvas_uid"`
	CreatedAt time.Time
}

func (CanvasAuthor) TableName() string { return "canvas_authors" }

type CanvasStore struct{ db *gorm.DB }

func NewCanvasStore(db *gorm.DB) *CanvasStore {
	return &CanvasStore{db: db}
}

var _ session.Metadata = (*CanvasStore)(nil)

// Migrate creates or updates both tables.
func (s *CanvasStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&CanvasRecord{}, &CanvasAuthor{})
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 3*time.Second)
}

// 1062 = duplicate key
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *CanvasStore) Get(ctx context.Context, canvasID string) (*canvas.Canvas, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rec CanvasRecord
	err := s.db.WithContext(ctx).Preload("Authors", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Where("id = ?", canvasID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, canvas.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return toCanvas(&rec), nil
}

func (s *CanvasStore) Create(ctx context.Context, c *canvas.Canvas) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rec := fromCanvas(c)
	// Authors 关联会随主记录一起插入
	return s.db.WithContext(ctx).Create(rec).Error
}

// AddAuthor inserts (canvasID, uid); joining twice is not an error.
func (s *CanvasStore) AddAuthor(ctx context.Context, canvasID, uid string) (*canvas.Canvas, error) {
	tctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(tctx).Transaction(func(tx *gorm.DB) error {
		var rec CanvasRecord
		// 锁住画布行，避免与删除并发
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Select("id").Where("id = ?", canvasID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("canvas %s: %w", canvasID, canvas.ErrNotFound)
			}
			return err
		}
		err := tx.Create(&CanvasAuthor{CanvasID: canvasID, UID: uid}).Error
		if err != nil && !isDuplicate(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, canvasID)
}

func toCanvas(rec *CanvasRecord) *canvas.Canvas {
	c := &canvas.Canvas{
		ID:              rec.ID,
		Name:            rec.Name,
		BackgroundColor: rec.BackgroundColor,
		Creator:         rec.Creator,
		GridWidth:       rec.GridWidth,
		DrawInterval:    rec.DrawInterval,
		CreatedAt:       rec.CreatedAt.UTC(),
		Authors:         make([]string, 0, len(rec.Authors)),
	}
	if rec.ExpiresAt != nil {
		c.ExpiresAt = rec.ExpiresAt.UTC()
	}
	for _, a := range rec.Authors {
		c.Authors = append(c.Authors, a.UID)
	}
	return c
}

func fromCanvas(c *canvas.Canvas) *CanvasRecord {
	rec := &CanvasRecord{
		ID:              c.ID,
		Name:            c.Name,
		BackgroundColor: c.BackgroundColor,
		Creator:         c.Creator,
		GridWidth:       c.GridWidth,
		DrawInterval:    c.DrawInterval,
		CreatedAt:       c.CreatedAt,
	}
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt
		rec.ExpiresAt = &t
	}
	for _, uid := range c.Authors {
		rec.Authors = append(rec.Authors, CanvasAuthor{CanvasID: c.ID, UID: uid})
	}
	return rec
}
