package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guernica0131/foreshadow/internal/cache"
	"github.com/guernica0131/foreshadow/internal/grid"
)

func collectEvents(t *testing.T, st *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-st.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate; events so far: %+v", events)
		}
	}
}

// A streaming request with 5 units emits Started, up to 5 UnitCompleted
// events, then exactly one Completed, with nothing after it.
func TestStreamEventSequence(t *testing.T) {
	loader := &stubLoader{values: map[int]float64{0: 1, 3: 2, 6: 3, 9: 4, 12: 5}}
	e := newTestEngine(loader, nil, nil)

	st, err := e.Stream(context.Background(), pointReq(0, 3, 6, 9, 12))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collectEvents(t, st)

	if events[0].Type != EventStarted {
		t.Fatalf("first event must be Started, got %s", events[0].Type)
	}
	var units, completed, failed int
	terminalIdx := -1
	for i, ev := range events {
		switch ev.Type {
		case EventUnitCompleted:
			units++
			if ev.Total != 5 {
				t.Fatalf("expected total 5, got %d", ev.Total)
			}
			if ev.Completed < 1 || ev.Completed > 5 {
				t.Fatalf("unit index %d out of range", ev.Completed)
			}
		case EventCompleted:
			completed++
			terminalIdx = i
		case EventFailed:
			failed++
		}
	}
	if completed != 1 || failed != 0 {
		t.Fatalf("expected exactly one Completed, got completed=%d failed=%d", completed, failed)
	}
	if units > 5 {
		t.Fatalf("expected at most 5 unit events, got %d", units)
	}
	if terminalIdx != len(events)-1 {
		t.Fatal("no events may follow the terminal event")
	}

	final := events[terminalIdx].Result
	if final == nil || final.Point == nil {
		t.Fatal("terminal event must carry the result")
	}
	// The final payload is fully ordered regardless of settle order.
	wantVals := []float64{1, 2, 3, 4, 5}
	for i, step := range final.Point.Steps {
		if step.Samples[0].Value != wantVals[i] {
			t.Fatalf("step %d: expected %f, got %f", i, wantVals[i], step.Samples[0].Value)
		}
	}
	if st.State() != StreamCompleted {
		t.Fatalf("expected StreamCompleted, got %d", st.State())
	}
}

func TestStreamFailureEmitsTerminalFailed(t *testing.T) {
	loader := &stubLoader{err: grid.ErrDecode}
	e := newTestEngine(loader, nil, nil)

	st, err := e.Stream(context.Background(), pointReq(0))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collectEvents(t, st)
	last := events[len(events)-1]
	if last.Type != EventFailed {
		t.Fatalf("expected terminal Failed, got %s", last.Type)
	}
	if last.ErrorKind != KindDecodeError {
		t.Fatalf("expected decode_error kind, got %s", last.ErrorKind)
	}
	if st.State() != StreamFailed {
		t.Fatalf("expected StreamFailed, got %d", st.State())
	}
}

func TestStreamValidationIsSynchronous(t *testing.T) {
	e := newTestEngine(&stubLoader{}, nil, nil)
	_, err := e.Stream(context.Background(), &PointRequest{Model: "gfs"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// Cancelling a stream stops events, but the computation settles and its
// result still reaches the cache.
func TestStreamCancelStillPublishes(t *testing.T) {
	loader := &stubLoader{
		values: map[int]float64{0: 10.0},
		delay:  30 * time.Millisecond,
	}
	backend := cache.NewMemoryBackend(0, 0)
	defer backend.Close()
	e := newTestEngine(loader, backend, nil)

	req := pointReq(0)
	st, err := e.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	// Cancel only once the unit is in flight; the gate fails units that have
	// not yet been dispatched.
	for loader.loads.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	st.Cancel()

	// The channel closes promptly after cancel.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-st.Events():
			if !ok {
				goto cancelled
			}
		case <-deadline:
			t.Fatal("events channel did not close after cancel")
		}
	}
cancelled:

	// The in-flight unit was already dispatched; wait for it to settle and
	// publish.
	deadlineT := time.Now().Add(2 * time.Second)
	for {
		if _, cached, err := e.Compute(context.Background(), req); err == nil && cached {
			return
		}
		if time.Now().After(deadlineT) {
			t.Fatal("cancelled stream's result never reached the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamCancelIsIdempotent(t *testing.T) {
	st := newStream(4)
	st.Cancel()
	st.Cancel()
	if _, ok := <-st.Events(); ok {
		t.Fatal("expected closed channel")
	}
}
