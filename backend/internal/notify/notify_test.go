package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recSender struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recSender) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recSender) list() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func TestScheduleFiresAtFireAt(t *testing.T) {
	rs := &recSender{}
	s := NewScheduler(rs, nil)
	defer s.Close()

	_ = s.Schedule(context.Background(), Notification{Token: "t1", FireAt: time.Now().Add(20 * time.Millisecond), Title: "ready"})
	if len(rs.list()) != 0 {
		t.Fatal("fired early")
	}
	time.Sleep(80 * time.Millisecond)
	if got := rs.list(); len(got) != 1 || got[0].Title != "ready" {
		t.Fatalf("sent = %+v", got)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}
}

func TestScheduleReplacesPending(t *testing.T) {
	rs := &recSender{}
	s := NewScheduler(rs, nil)
	defer s.Close()

	_ = s.Schedule(context.Background(), Notification{Token: "t1", FireAt: time.Now().Add(time.Hour), Title: "old"})
	_ = s.Schedule(context.Background(), Notification{Token: "t1", FireAt: time.Now(), Title: "new"})
	time.Sleep(40 * time.Millisecond)
	got := rs.list()
	if len(got) != 1 || got[0].Title != "new" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestCloseDropsPending(t *testing.T) {
	rs := &recSender{}
	s := NewScheduler(rs, nil)
	_ = s.Schedule(context.Background(), Notification{Token: "t1", FireAt: time.Now().Add(time.Hour)})
	_ = s.Schedule(context.Background(), Notification{Token: ""})
	s.Close()
	if s.Pending() != 0 || len(rs.list()) != 0 {
		t.Fatalf("pending = %d sent = %d", s.Pending(), len(rs.list()))
	}
	_ = s.Schedule(context.Background(), Notification{Token: "t2"})
	if s.Pending() != 0 {
		t.Fatal("scheduled after close")
	}
}

func TestMessage(t *testing.T) {
	m := message(Notification{Token: "tok", Title: "a", Body: "b", Link: "/canvas/c1"})
	if m.Token != "tok" || m.Notification.Title != "a" || m.Data["link"] != "/canvas/c1" {
		t.Fatalf("message = %+v", m)
	}
}
