package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"stream-relay/internal/notify"
)

type stubMount bool

func (m stubMount) Mounted() bool { return bool(m) }

type stubState SupervisorState

func (s stubState) CurrentState() SupervisorState { return SupervisorState(s) }

func TestReadiness_Ready(t *testing.T) {
	tests := []struct {
		mounted bool
		state   SupervisorState
		want    bool
	}{
		{false, StateRunning, false},
		{false, StateStopped, false},
		{true, StateStopped, false},
		{true, StateConfigWriting, false},
		{true, StateSpawning, false},
		{true, StateRunning, true},
	}
	for _, tt := range tests {
		r := NewReadiness(stubMount(tt.mounted), stubState(tt.state))
		if got := r.Ready(); got != tt.want {
			t.Errorf("mounted=%v state=%v: Ready() = %v, want %v", tt.mounted, tt.state, got, tt.want)
		}
	}
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (b *recordingBroadcaster) Broadcast(msg notify.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return true
}

func (b *recordingBroadcaster) messages() []notify.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]notify.Message(nil), b.msgs...)
}

type gaugeRecorder struct {
	mu      sync.Mutex
	ready   bool
	sources int
}

func (g *gaugeRecorder) SetReady(r bool) { g.mu.Lock(); g.ready = r; g.mu.Unlock() }
func (g *gaugeRecorder) SetSources(n int) { g.mu.Lock(); g.sources = n; g.mu.Unlock() }

func TestPropagator_Tick_unconfigured_requests_config(t *testing.T) {
	store := NewInMemoryStore("/relay")
	out := &recordingBroadcaster{}
	p := NewPropagator(store, NewReadiness(stubMount(false), stubState(StateRunning)),
		func() bool { return false }, out, time.Second, nil, discardLogger())

	p.Tick()
	msgs := out.messages()
	if len(msgs) != 2 || msgs[0].Type != TypeWaitConfig || msgs[1].Type != TypeUpdateSources {
		t.Fatalf("messages = %+v", msgs)
	}
	var payload UpdateSources
	if err := msgs[1].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Ready {
		t.Error("ready should be false while unmounted")
	}
}

func TestPropagator_Tick_publishes_registry(t *testing.T) {
	store := NewInMemoryStore("/relay")
	store.Swap(NewRegistry("/relay", Source{Name: "front_door", UpstreamURI: "rtsp://a"}))
	out := &recordingBroadcaster{}
	gauges := &gaugeRecorder{}
	p := NewPropagator(store, NewReadiness(stubMount(true), stubState(StateRunning)),
		func() bool { return true }, out, time.Second, gauges, discardLogger())

	p.Tick()
	msgs := out.messages()
	if len(msgs) != 1 || msgs[0].Type != TypeUpdateSources {
		t.Fatalf("messages = %+v", msgs)
	}
	var payload UpdateSources
	if err := msgs[0].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Ready {
		t.Error("ready should be true")
	}
	if payload.Registry["front_door"] != "/relay/stream/front_door/index.m3u8" {
		t.Errorf("registry = %v", payload.Registry)
	}
	if !gauges.ready || gauges.sources != 1 {
		t.Errorf("gauges = %+v", gauges)
	}
}

func TestPropagator_Serve_ticks_until_cancelled(t *testing.T) {
	out := &recordingBroadcaster{}
	p := NewPropagator(NewInMemoryStore("/relay"), NewReadiness(stubMount(true), stubState(StateRunning)),
		nil, out, 10*time.Millisecond, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	waitFor(t, "two broadcasts", func() bool { return len(out.messages()) >= 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}
