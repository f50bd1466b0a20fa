package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
}

func TestDisabledDispatcherIsNilSafe(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{Type: "notify.success"})
	d.Close()
	if d.Dropped() != 0 || d.Delivered() != 0 {
		t.Fatal("expected zero counters on nil dispatcher")
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)

	d.Emit(context.Background(), Event{Type: "notify.success", Message: "first"})
	d.Emit(context.Background(), Event{Type: "navigate", Target: "home"})
	d.Close()

	first := <-sink.Events()
	second := <-sink.Events()
	if first.Message != "first" || second.Target != "home" {
		t.Fatalf("unexpected order: %+v then %+v", first, second)
	}
	if d.Delivered() != 2 {
		t.Fatalf("expected 2 delivered, got %d", d.Delivered())
	}
}

func TestDispatcherDropIfFullCountsDrops(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event is picked up by the worker and blocks on the gate, the
	// second fills the buffer, the rest are dropped.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: "notify.error"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a blocked sink")
	}
	close(sink.gate)
	d.Close()
}

func TestDispatcherEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()
	d.Emit(context.Background(), Event{Type: "notify.success"})
	if sink.count.Load() != 0 {
		t.Fatalf("expected no delivery after close, got %d", sink.count.Load())
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{Type: "auth.welcome", UserID: "u1"})
	sink.Emit(context.Background(), Event{Type: "navigate", Target: "login"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ev.Target != "login" {
		t.Fatalf("expected login target, got %q", ev.Target)
	}
}

func TestFuncSink(t *testing.T) {
	var got string
	FuncSink(func(_ context.Context, e Event) { got = e.Type }).Emit(context.Background(), Event{Type: "x"})
	if got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
	var nilSink FuncSink
	nilSink.Emit(context.Background(), Event{})
}
