package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/logger"
)

// decisive reports whether a result ends the precedence chain.
type decisive func(Result) bool

func onlyTrue(r Result) bool { return r.Known && r.Connected }
func anyKnown(r Result) bool { return r.Known }

type step struct {
	probe    Probe
	decisive decisive
}

// Reconciler merges the connection probes into one answer. Probes run
// sequentially in precedence order, each bounded by its own timeout; a
// failing probe counts as unknown, never as "not connected".
type Reconciler struct {
	radio   RadioStackQuerier
	legacy  LegacyStack
	timeout time.Duration
	log     *logger.Logger

	first    step
	legacyCh []step
	fallback step
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithLogger sets the reconciler logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// NewReconciler builds the precedence chain. legacy may be nil when the
// platform has no classic radio stack.
func NewReconciler(radio RadioStackQuerier, legacy LegacyStack, opts ...Option) *Reconciler {
	r := &Reconciler{
		radio:   radio,
		legacy:  legacy,
		timeout: config.ProbeTimeout,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.first = step{connectedPeripheralsProbe{stack: radio, services: GenericServices}, onlyTrue}
	if legacy != nil {
		r.legacyCh = []step{
			{legacyInstanceProbe{stack: legacy}, anyKnown},
			{legacyListProbe{stack: legacy}, onlyTrue},
			{legacyEnumerationProbe{stack: legacy}, anyKnown},
		}
	}
	r.fallback = step{peripheralProbe{stack: radio}, anyKnown}
	return r
}

// IsConnected reports whether deviceID is connected. It never fails; when
// every source is inconclusive the answer is false.
func (r *Reconciler) IsConnected(ctx context.Context, deviceID string) bool {
	connected, _ := r.Reconcile(ctx, deviceID)
	return connected
}

// Reconcile is IsConnected plus the per-probe trace.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string) (bool, []Result) {
	id := strings.ToUpper(strings.TrimSpace(deviceID))
	var trace []Result
	if id == "" {
		return false, trace
	}

	if r.radio != nil {
		res := r.run(ctx, r.first.probe, id)
		trace = append(trace, res)
		if r.first.decisive(res) {
			return res.Connected, trace
		}
	}

	if len(r.legacyCh) > 0 && r.legacyEnabled(ctx) {
		for _, s := range r.legacyCh {
			res := r.run(ctx, s.probe, id)
			trace = append(trace, res)
			if s.decisive(res) {
				return res.Connected, trace
			}
		}
	}

	if r.radio != nil {
		res := r.run(ctx, r.fallback.probe, id)
		trace = append(trace, res)
		if r.fallback.decisive(res) {
			return res.Connected, trace
		}
	}

	r.log.Debugw("connection sources exhausted", "id", id)
	return false, trace
}

func (r *Reconciler) legacyEnabled(ctx context.Context) bool {
	enabled, err := r.call(ctx, "legacy_enabled", r.legacy.Enabled)
	if err != nil {
		r.log.Debugw("legacy stack state unavailable", "err", err)
		return false
	}
	return enabled
}

func (r *Reconciler) run(ctx context.Context, p Probe, id string) Result {
	res := Result{Source: p.Source()}
	connected, err := r.call(ctx, p.Source().String(), func(ctx context.Context) (bool, error) {
		return p.Probe(ctx, id)
	})
	if err != nil {
		res.Err = err.Error()
		if !errors.Is(err, ErrUnknown) {
			r.log.Debugw("connection probe failed", "source", p.Source(), "id", id, "err", err)
		}
		return res
	}
	res.Connected = connected
	res.Known = true
	return res
}

// call runs fn with its own timeout. A probe that ignores its context is
// abandoned when the timeout fires; panics become errors.
func (r *Reconciler) call(ctx context.Context, name string, fn func(context.Context) (bool, error)) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- outcome{err: fmt.Errorf("%s panicked: %v", name, v)}
			}
		}()
		ok, err := fn(pctx)
		ch <- outcome{ok: ok, err: err}
	}()

	select {
	case o := <-ch:
		return o.ok, o.err
	case <-pctx.Done():
		return false, fmt.Errorf("%s: %w", name, pctx.Err())
	}
}
