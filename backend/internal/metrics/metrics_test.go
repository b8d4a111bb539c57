package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"canvasServer/backend/internal/intent"
	"canvasServer/backend/internal/snapshot"
)

func TestHooks(t *testing.T) {
	m := New(prometheus.NewRegistry())
	h := m.Hooks()
	h.OnDispatch(intent.KindDraw, true)
	h.OnDispatch(intent.KindDraw, true)
	h.OnDispatch(intent.KindUpdateCell, false)
	h.OnObserverError("snapshot", intent.KindDrawSuccess)

	if got := testutil.ToFloat64(m.Intents.WithLabelValues(string(intent.KindDraw), "true")); got != 2 {
		t.Fatalf("DRAW accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Intents.WithLabelValues(string(intent.KindUpdateCell), "false")); got != 1 {
		t.Fatalf("UPDATE_CELL rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ObserverErrors.WithLabelValues("snapshot", string(intent.KindDrawSuccess))); got != 1 {
		t.Fatalf("observer errors = %v, want 1", got)
	}
	h.OnOverflow()
	if got := testutil.ToFloat64(m.Overflows); got != 1 {
		t.Fatalf("overflows = %v, want 1", got)
	}
}

func TestObservePublish(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObservePublish(nil)
	m.ObservePublish(&snapshot.UploadError{CanvasID: "c1", Stage: "upload", Err: errors.New("503")})
	m.ObservePublish(errors.New("boom"))

	for label, want := range map[string]float64{"ok": 1, "upload_failed": 1, "failed": 1} {
		if got := testutil.ToFloat64(m.Uploads.WithLabelValues(label)); got != want {
			t.Fatalf("uploads{%s} = %v, want %v", label, got, want)
		}
	}
}

func TestActiveSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	n := 3
	m.ActiveSessions(func() int { return n })
	if c, err := testutil.GatherAndCount(reg, "canvas_active_sessions"); err != nil || c != 1 {
		t.Fatalf("GatherAndCount = %d, %v", c, err)
	}
}
