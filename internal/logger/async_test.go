package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// sink collects records; derived handlers share the slice and remember their attrs.
type sink struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
	delay   time.Duration
}

func newSink(delay time.Duration) *sink {
	return &sink{mu: &sync.Mutex{}, records: &[]slog.Record{}, delay: delay}
}

func (s *sink) Enabled(context.Context, slog.Level) bool { return true }

func (s *sink) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	rec.AddAttrs(s.attrs...)
	s.mu.Lock()
	*s.records = append(*s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *s
	cp.attrs = append(append([]slog.Attr{}, s.attrs...), attrs...)
	return &cp
}

func (s *sink) WithGroup(string) slog.Handler { return s }

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(*s.records)
}

func record(msg string) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
}

func TestAsyncHandlerFlushesOnClose(t *testing.T) {
	tests := []struct {
		name       string
		goroutines int
		each       int
		workers    int
	}{
		{"single writer", 1, 200, 2},
		{"concurrent writers", 50, 100, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := newSink(0)
			total := tt.goroutines * tt.each
			ah := NewAsyncHandler(inner, total, tt.workers)

			var wg sync.WaitGroup
			for range tt.goroutines {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range tt.each {
						_ = ah.Handle(context.Background(), record("execution started"))
					}
				}()
			}
			wg.Wait()
			ah.Close()

			if got := inner.count(); got != total {
				t.Fatalf("written = %d, want %d", got, total)
			}
			if d := ah.DroppedCount(); d != 0 {
				t.Errorf("dropped = %d, want 0", d)
			}
		})
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	inner := newSink(10 * time.Millisecond)
	ah := NewAsyncHandler(inner, 1, 1)

	const sent = 50
	for range sent {
		_ = ah.Handle(context.Background(), record("trace appended"))
	}
	ah.Close()

	dropped := ah.DroppedCount()
	if dropped == 0 {
		t.Fatal("expected drops with a one-slot queue and a slow writer")
	}
	if got := int64(inner.count()) + dropped; got != sent {
		t.Errorf("written + dropped = %d, want %d", got, sent)
	}
}

func TestAsyncHandlerAfterClose(t *testing.T) {
	inner := newSink(0)
	ah := NewAsyncHandler(inner, 10, 1)
	ah.Close()
	ah.Close() // second close is a no-op

	if err := ah.Handle(context.Background(), record("late")); err != nil {
		t.Fatalf("Handle after close: %v", err)
	}
	if inner.count() != 0 || ah.DroppedCount() != 1 {
		t.Errorf("written = %d, dropped = %d; want 0 and 1", inner.count(), ah.DroppedCount())
	}
}

func TestAsyncHandlerDerivedHandlersShareQueue(t *testing.T) {
	inner := newSink(0)
	ah := NewAsyncHandler(inner, 10, 1)
	derived := ah.WithAttrs([]slog.Attr{slog.Int64("execution_id", 42)})

	_ = derived.Handle(context.Background(), record("from derived"))
	_ = ah.Handle(context.Background(), record("from root"))
	ah.Close() // closing the root flushes records queued by the derived handler

	if got := inner.count(); got != 2 {
		t.Fatalf("written = %d, want 2", got)
	}
	inner.mu.Lock()
	defer inner.mu.Unlock()
	for _, rec := range *inner.records {
		var hasID bool
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "execution_id" {
				hasID = true
			}
			return true
		})
		if (rec.Message == "from derived") != hasID {
			t.Errorf("%q: execution_id present = %v", rec.Message, hasID)
		}
	}
}
