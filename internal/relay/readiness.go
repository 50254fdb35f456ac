package relay

import (
	"context"
	"log/slog"
	"time"

	"stream-relay/internal/notify"
)

// MountState reports whether the gateway is serving.
type MountState interface {
	Mounted() bool
}

// ProcessState reports the supervisor state.
type ProcessState interface {
	CurrentState() SupervisorState
}

// Readiness combines the gateway and supervisor signals. It holds no state of
// its own and is recomputed on every call.
type Readiness struct {
	gateway    MountState
	supervisor ProcessState
}

// NewReadiness returns a Readiness over g and s.
func NewReadiness(g MountState, s ProcessState) *Readiness {
	return &Readiness{gateway: g, supervisor: s}
}

// Ready is true when the gateway is mounted and the media server is running.
func (r *Readiness) Ready() bool {
	return r.gateway.Mounted() && r.supervisor.CurrentState() == StateRunning
}

// Broadcaster delivers a message to every connected consumer.
type Broadcaster interface {
	Broadcast(msg notify.Message) bool
}

// ReadinessMetrics receives the values published on each tick.
type ReadinessMetrics interface {
	SetReady(ready bool)
	SetSources(n int)
}

// Propagator periodically publishes the registry and readiness flag.
type Propagator struct {
	store      Store
	readiness  *Readiness
	configured func() bool
	out        Broadcaster
	interval   time.Duration
	metrics    ReadinessMetrics
	log        *slog.Logger
}

// NewPropagator returns a propagator ticking every interval. configured
// reports whether a configuration has been received; until it returns true
// each tick also asks the front end for its configuration. m may be nil.
func NewPropagator(store Store, readiness *Readiness, configured func() bool, out Broadcaster,
	interval time.Duration, m ReadinessMetrics, log *slog.Logger) *Propagator {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Propagator{
		store:      store,
		readiness:  readiness,
		configured: configured,
		out:        out,
		interval:   interval,
		metrics:    m,
		log:        log.With("component", "propagator"),
	}
}

// Snapshot returns the payload of the next broadcast.
func (p *Propagator) Snapshot() UpdateSources {
	return UpdateSources{
		Registry: p.store.Load().PublishedPaths(),
		Ready:    p.readiness.Ready(),
	}
}

// Tick publishes once.
func (p *Propagator) Tick() {
	if p.configured != nil && !p.configured() {
		p.send(TypeWaitConfig, nil)
	}

	snap := p.Snapshot()
	if p.metrics != nil {
		p.metrics.SetReady(snap.Ready)
		p.metrics.SetSources(len(snap.Registry))
	}
	p.send(TypeUpdateSources, snap)
}

func (p *Propagator) send(typ string, data any) {
	msg, err := notify.NewMessage(typ, data)
	if err != nil {
		p.log.Error("encode broadcast failed", "type", typ, "error", err)
		return
	}
	if !p.out.Broadcast(msg) {
		p.log.Debug("broadcast dropped", "type", typ)
	}
}

// Serve ticks until ctx is done.
func (p *Propagator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
		}
	}
}

func (p *Propagator) String() string { return "readiness-propagator" }
