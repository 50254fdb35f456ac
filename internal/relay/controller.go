package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/thejerf/suture/v4"

	"stream-relay/internal/notify"
)

// Applier is the part of the supervisor the controller drives.
type Applier interface {
	Apply(ctx context.Context, cfg ExternalServerConfig) error
	Stop(ctx context.Context) StopOutcome
}

// Mounter is the part of the gateway the controller drives.
type Mounter interface {
	Mount() error
	Mounted() bool
}

// ReconcileMetrics receives reconciliation outcomes.
type ReconcileMetrics interface {
	ObserveReconcile(changed bool)
}

// MessageHandler handles one inbound notification type.
type MessageHandler func(clientID string, msg notify.Message)

type configRequest struct {
	clientID string
	event    ConfigEvent
	// result is buffered; nil when nobody waits for the outcome.
	result chan error
}

const eventQueueSize = 16

// Controller is the single control loop of the backend. Configuration events
// are handled one at a time, in arrival order: reconcile, serialize, apply.
type Controller struct {
	reconciler *Reconciler
	serializer *Serializer
	supervisor Applier
	gateway    Mounter
	allowlist  NameSet
	metrics    ReconcileMetrics
	log        *slog.Logger
	validate   *validator.Validate

	handlers map[string]MessageHandler
	events   chan configRequest

	configured atomic.Bool
	stopped    atomic.Bool

	// owned by the Serve goroutine
	initialized   bool
	lastApplyFail bool
}

// ControllerOptions configures a Controller. Allowlist, when non-empty,
// restricts the names the front end may declare.
type ControllerOptions struct {
	Allowlist []string
	Metrics   ReconcileMetrics
	Log       *slog.Logger
}

// NewController wires the control loop.
func NewController(r *Reconciler, s *Serializer, sup Applier, gw Mounter, opts ControllerOptions) *Controller {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		reconciler: r,
		serializer: s,
		supervisor: sup,
		gateway:    gw,
		metrics:    opts.Metrics,
		log:        log.With("component", "controller"),
		validate:   validator.New(),
		events:     make(chan configRequest, eventQueueSize),
	}
	if len(opts.Allowlist) > 0 {
		c.allowlist = NewNameSet(opts.Allowlist...)
	}
	c.handlers = map[string]MessageHandler{
		TypeSetConfig: c.onSetConfig,
	}
	return c
}

// Configured reports whether a configuration event has been processed.
func (c *Controller) Configured() bool {
	return c.configured.Load()
}

// Dispatch routes an inbound notification to the handler for its type.
// Unknown types are logged and dropped.
func (c *Controller) Dispatch(clientID string, msg notify.Message) {
	h, ok := c.handlers[msg.Type]
	if !ok {
		c.log.Debug("ignoring notification", "type", msg.Type, "client", clientID)
		return
	}
	h(clientID, msg)
}

func (c *Controller) onSetConfig(clientID string, msg notify.Message) {
	var ev ConfigEvent
	if err := msg.Decode(&ev); err != nil {
		c.log.Warn("invalid configuration event", "client", clientID, "error", err)
		return
	}
	if err := c.check(ev); err != nil {
		c.log.Warn("invalid configuration event", "client", clientID, "error", err)
		return
	}
	if c.stopped.Load() {
		return
	}
	select {
	case c.events <- configRequest{clientID: clientID, event: ev}:
	default:
		c.log.Warn("configuration queue full, dropping event", "client", clientID)
	}
}

// Submit queues ev and waits until the control loop has handled it. The
// returned error is the validation or apply error, if any.
func (c *Controller) Submit(ctx context.Context, clientID string, ev ConfigEvent) error {
	if err := c.check(ev); err != nil {
		return err
	}
	if c.stopped.Load() {
		return ErrControllerStopped
	}

	req := configRequest{clientID: clientID, event: ev, result: make(chan error, 1)}
	select {
	case c.events <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) check(ev ConfigEvent) error {
	if err := c.validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

// Serve runs the control loop until ctx is done, then stops the media
// server. A gateway mount failure terminates the whole service tree.
func (c *Controller) Serve(ctx context.Context) error {
	c.stopped.Store(false)
	if !c.initialized {
		c.initialized = true
		c.applyInitial(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			c.stopped.Store(true)
			outcome := c.supervisor.Stop(context.WithoutCancel(ctx))
			c.log.Info("control loop stopped", "media_server", outcome.String())
			return ctx.Err()
		case req := <-c.events:
			err := c.handle(ctx, req)
			if req.result != nil {
				req.result <- err
			}
			if errors.Is(err, ErrProxyMount) {
				c.stopped.Store(true)
				c.supervisor.Stop(context.WithoutCancel(ctx))
				return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
			}
		}
	}
}

func (c *Controller) String() string { return "relay-controller" }

// applyInitial starts the media server with no paths so it is running before
// the first configuration arrives.
func (c *Controller) applyInitial(ctx context.Context) {
	cfg := c.serializer.Serialize(c.reconciler.Current(), Timing{})
	if err := c.supervisor.Apply(ctx, cfg); err != nil {
		c.lastApplyFail = true
		c.log.Error("initial media server start failed", "error", err)
		return
	}
	c.lastApplyFail = false
}

func (c *Controller) handle(ctx context.Context, req configRequest) error {
	if !c.gateway.Mounted() {
		if err := c.gateway.Mount(); err != nil {
			c.log.Error("gateway mount failed", "error", err)
			return err
		}
	}
	c.configured.Store(true)

	ev := req.event
	allowed := c.allowedNames(ev.Sources)
	changed, reg := c.reconciler.Reconcile(allowed, ev.Sources)
	if c.metrics != nil {
		c.metrics.ObserveReconcile(changed)
	}
	if len(ev.Sources) > 0 && reg.Len() == 0 {
		c.log.Warn("configuration admitted no sources", "client", req.clientID, "error", ErrNoSources)
	}

	if !changed && !c.lastApplyFail {
		c.log.Debug("sources unchanged", "client", req.clientID, "sources", reg.Len())
		return nil
	}

	cfg := c.serializer.Serialize(reg, Timing{IntervalMs: ev.UpdateIntervalMs})
	if err := c.supervisor.Apply(ctx, cfg); err != nil {
		c.lastApplyFail = true
		c.log.Error("apply failed", "client", req.clientID, "error", err)
		return err
	}
	c.lastApplyFail = false
	c.log.Info("configuration applied", "client", req.clientID, "sources", reg.Len(), "changed", changed)
	return nil
}

// allowedNames is the set of names the front end declared, narrowed by the
// backend allowlist when one is configured.
func (c *Controller) allowedNames(declared []DeclaredSource) NameSet {
	labels := make([]string, 0, len(declared))
	for _, d := range declared {
		labels = append(labels, d.Label)
	}
	allowed := NewNameSet(labels...)
	if c.allowlist != nil {
		allowed = allowed.Intersect(c.allowlist)
	}
	return allowed
}
