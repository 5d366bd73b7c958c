package push

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffGrowth(t *testing.T) {
	bo := newBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := bo.Next(); got != w {
			t.Errorf("delay %d = %v, want %v", i+1, got, w)
		}
	}

	bo.Reset()
	if got := bo.Next(); got != time.Second {
		t.Errorf("after reset: delay = %v, want 1s", got)
	}
}

func TestReadEventsFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"event: connected",
		"data: {}",
		"",
		": another keep-alive",
		"event: kill_switch",
		`data: {"active":true,"message":"stop"}`,
		"",
		"event: policy_updated",
		"data: {}",
		"",
	}, "\n")

	var events []Event
	err := readEvents(strings.NewReader(stream), func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Name != "connected" {
		t.Errorf("event[0] = %q", events[0].Name)
	}
	if events[1].Name != "kill_switch" || !strings.Contains(events[1].Data, `"active":true`) {
		t.Errorf("event[1] = %+v", events[1])
	}
	if events[2].Name != "policy_updated" {
		t.Errorf("event[2] = %q", events[2].Name)
	}
}

func TestReadEventsMultiLineData(t *testing.T) {
	stream := "event: blob\ndata: line1\ndata: line2\n\n"

	var got Event
	readEvents(strings.NewReader(stream), func(ev Event) { got = ev })

	if got.Data != "line1\nline2" {
		t.Errorf("data = %q, want joined lines", got.Data)
	}
}

func TestDispatchKillSwitchAndUnknown(t *testing.T) {
	var active bool
	var msg string
	c := NewClient(nil, Handlers{
		OnKillSwitch: func(a bool, m string) { active, msg = a, m },
	}, nil, nil)

	c.dispatch(Event{Name: "kill_switch", Data: `{"active":true,"message":"freeze"}`})
	if !active || msg != "freeze" {
		t.Errorf("kill switch not applied: active=%v msg=%q", active, msg)
	}

	// Malformed payload: ignored, state unchanged.
	c.dispatch(Event{Name: "kill_switch", Data: `{broken`})
	if !active {
		t.Error("malformed payload must not clear prior state")
	}

	// Unknown events are dropped silently.
	c.dispatch(Event{Name: "surprise", Data: "{}"})
}

// scriptedConn serves canned streams, then blocks until the context dies.
type scriptedConn struct {
	mu      sync.Mutex
	streams []string
	fails   int
	calls   atomic.Int64
}

func (s *scriptedConn) connect(ctx context.Context) (io.ReadCloser, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return nil, errors.New("connection refused")
	}
	if len(s.streams) == 0 {
		// Nothing left to serve: park until stopped.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	stream := s.streams[0]
	s.streams = s.streams[1:]
	return io.NopCloser(strings.NewReader(stream)), nil
}

func TestClientDispatchesAndReconnects(t *testing.T) {
	conn := &scriptedConn{
		streams: []string{
			"event: connected\ndata: {}\n\nevent: policy_updated\ndata: {}\n\n",
		},
	}

	var connected, updated atomic.Int64
	c := NewClient(conn.connect, Handlers{
		OnConnected:     func() { connected.Add(1) },
		OnPolicyUpdated: func() { updated.Add(1) },
	}, nil, nil)

	c.Start()
	defer c.Stop()

	deadline := time.After(5 * time.Second)
	for connected.Load() < 1 || updated.Load() < 1 {
		select {
		case <-deadline:
			t.Fatalf("events not dispatched: connected=%d updated=%d",
				connected.Load(), updated.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopCancelsInFlightConnect(t *testing.T) {
	conn := &scriptedConn{} // no streams: connect parks on ctx

	c := NewClient(conn.connect, Handlers{}, nil, nil)
	c.Start()

	deadline := time.After(2 * time.Second)
	for conn.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("connect never attempted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight connect")
	}

	c.Stop() // idempotent
}

func TestStopDuringBackoffWait(t *testing.T) {
	conn := &scriptedConn{fails: 1000}
	c := NewClient(conn.connect, Handlers{}, nil, nil)
	c.Start()

	// Let it fail at least once so it is sitting in a backoff wait.
	deadline := time.After(2 * time.Second)
	for conn.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("connect never attempted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the pending reconnect timer")
	}
}
