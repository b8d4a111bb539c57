package collab

import (
	"context"
	"errors"
)

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

const DefaultSemaphore = 100

// SemaphoreControl 限制某类后台工作的并发数（Kafka 发送、快照渲染）。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = DefaultSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse is the number of slots currently held.
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
