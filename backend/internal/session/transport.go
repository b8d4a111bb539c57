package session

import (
	"context"
	"errors"
	"fmt"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/presence"
)

// Feed 是一个已挂载的远端监听。Events 在出错或 Close 后关闭，之后 Err 给出原因（正常关闭为 nil）。
type Feed[T any] interface {
	Events() <-chan T
	Err() error
	Close() error
}

// CellLog 是按画布分区的有序追加日志。
type CellLog interface {
	// Subscribe delivers appends written after the call returns.
	Subscribe(ctx context.Context, canvasID string) (Feed[canvas.CellUpdate], error)
	Snapshot(ctx context.Context, canvasID string) (map[canvas.CellIndex]canvas.CellLog, error)
	// Append writes u and returns the server-assigned ordered key.
	Append(ctx context.Context, canvasID string, u canvas.CellUpdate) (canvas.Key, error)
}

// LivePresence 是临时 presence 通道；每次变化推送完整的 uid->cell 映射。
type LivePresence interface {
	presence.Writer
	Subscribe(ctx context.Context, canvasID string) (Feed[canvas.LiveMap], error)
	Snapshot(ctx context.Context, canvasID string) (canvas.LiveMap, error)
}

// Metadata 是画布元数据文档存储。不存在的画布返回包装了 canvas.ErrNotFound 的错误。
type Metadata interface {
	Get(ctx context.Context, canvasID string) (*canvas.Canvas, error)
	Create(ctx context.Context, c *canvas.Canvas) error
	AddAuthor(ctx context.Context, canvasID, uid string) (*canvas.Canvas, error)
}

// TransportError is a listener, read or write failure against the ordered log or the
// document store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

var (
	ErrAlreadyOpen = errors.New("session already opened")
	ErrClosed      = errors.New("session closed")
)
