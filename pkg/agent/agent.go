// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mbeema/frametrace/pkg/config"
	"github.com/mbeema/frametrace/pkg/dispatch"
	"github.com/mbeema/frametrace/pkg/event"
	"github.com/mbeema/frametrace/pkg/export"
	"github.com/mbeema/frametrace/pkg/health"
	"github.com/mbeema/frametrace/pkg/hook"
	"github.com/mbeema/frametrace/pkg/host"
	"github.com/mbeema/frametrace/pkg/redact"
	"github.com/mbeema/frametrace/pkg/traces"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Tracer wires the hook adapter, sampler, dispatcher and sink together and
// exposes the lifecycle that embedding code drives.
// Config is stored as an atomic pointer so Reload is safe against readers.
type Tracer struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	sessionID  uuid.UUID
	sampler    *traces.Sampler
	redactor   *redact.Redactor
	dispatcher *dispatch.Dispatcher
	adapter    *hook.Adapter
	manager    *hook.Manager

	healthServer *health.Server
	healthStats  *health.Stats

	mu      sync.Mutex
	started bool
	closed  bool
}

// Options overrides parts of the pipeline New would otherwise build from
// config. Zero fields take the config-driven default.
type Options struct {
	// Sink replaces the sink selected by cfg.SinkEndpoint.
	Sink  dispatch.Sink
	Clock clockz.Clock
}

// New creates a tracer for rt from configuration. The hook is not installed
// until Start (when cfg.Enabled) or Enable.
func New(cfg *config.Config, rt host.Runtime, logger *zap.Logger) (*Tracer, error) {
	return NewWithOptions(cfg, rt, Options{}, logger)
}

// NewWithOptions is New with explicit overrides.
func NewWithOptions(cfg *config.Config, rt host.Runtime, opts Options, logger *zap.Logger) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Tracer{
		logger:    logger,
		sessionID: uuid.New(),
	}
	t.cfg.Store(cfg)

	policy, err := policyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	t.sampler, err = traces.NewSampler(policy)
	if err != nil {
		return nil, fmt.Errorf("create sampler: %w", err)
	}

	t.redactor, err = redactorFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	sink := opts.Sink
	if sink == nil {
		sink, err = export.New(cfg.SinkEndpoint, export.OptionsFromConfig(cfg, t.sessionID), logger)
		if err != nil {
			return nil, fmt.Errorf("create sink: %w", err)
		}
	}

	t.dispatcher = dispatch.New(sink, dispatch.Options{
		Capacity:      cfg.BufferCapacity,
		BatchSize:     cfg.Dispatch.BatchSize,
		FlushInterval: cfg.FlushInterval,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		NoRetry:       cfg.Dispatch.MaxRetries == 0,
		Clock:         opts.Clock,
	}, logger.Named("dispatch"))

	mode, err := hook.ParseMode(cfg.InstallationMode)
	if err != nil {
		return nil, err
	}
	t.adapter = hook.NewAdapter(t.sampler, t.dispatcher, t.redactor, opts.Clock)
	t.manager = hook.NewManager(rt, t.adapter, mode, logger.Named("hook"))

	t.healthStats = health.NewStats(t.Stats)
	if cfg.Health.Enabled {
		t.healthServer, err = health.NewServer(cfg.Health.Port, cfg.ServiceVersion, t.healthStats, t, logger.Named("health"))
		if err != nil {
			return nil, fmt.Errorf("create health server: %w", err)
		}
	}

	return t, nil
}

// Start launches the flush worker and the health server, then installs the
// hook if the config enables tracing.
func (t *Tracer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return dispatch.ErrShutdown
	}
	if t.started {
		t.mu.Unlock()
		// A previous Start may have failed to install the hook; try again.
		if !t.cfg.Load().Enabled {
			return nil
		}
		if err := t.Enable(); err != nil {
			return err
		}
		if t.healthServer != nil {
			t.healthServer.SetReady(true)
		}
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	if t.healthServer != nil {
		if err := t.healthServer.Start(ctx); err != nil {
			t.logger.Warn("health server failed to start", zap.Error(err))
			t.healthServer = nil
		}
	}

	cfg := t.cfg.Load()
	if cfg.Enabled {
		if err := t.Enable(); err != nil {
			return err
		}
	}

	if t.healthServer != nil {
		t.healthServer.SetReady(true)
	}

	t.logger.Info("tracer started",
		zap.String("session_id", t.sessionID.String()),
		zap.String("sink", cfg.SinkEndpoint),
		zap.String("mode", t.manager.Mode().String()),
		zap.Float64("sample_rate", t.sampler.Rate()),
		zap.Bool("enabled", cfg.Enabled),
	)
	return nil
}

// Enable installs the hook. It fails once the tracer is shut down.
func (t *Tracer) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return dispatch.ErrShutdown
	}
	return t.manager.Enable()
}

// Disable removes the hook. Buffered records are still delivered.
func (t *Tracer) Disable() error {
	return t.manager.Disable()
}

// Shutdown removes the hook, stops the health server and drains the
// dispatcher within the configured shutdown timeout.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.manager.Disable(); err != nil {
		t.logger.Warn("disable on shutdown failed", zap.Error(err))
	}

	if t.healthServer != nil {
		t.healthServer.SetReady(false)
		if err := t.healthServer.Stop(ctx); err != nil {
			t.logger.Warn("health server shutdown error", zap.Error(err))
		}
	}

	if timeout := t.cfg.Load().Dispatch.ShutdownTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := t.dispatcher.Shutdown(ctx)

	st := t.Stats()
	t.logger.Info("tracer stopped",
		zap.Int64("sent", st.Sent),
		zap.Int64("dropped", st.Dropped),
		zap.Int64("errors", st.Errors),
		zap.Int64("hook_faults", st.Faults),
	)
	if err != nil {
		return fmt.Errorf("drain dispatcher: %w", err)
	}
	return nil
}

// Flush sends buffered records now.
func (t *Tracer) Flush(ctx context.Context) {
	t.dispatcher.Flush(ctx)
}

// Stats returns the pipeline counters.
func (t *Tracer) Stats() health.Counters {
	ds := t.dispatcher.Stats()
	as := t.adapter.Stats()
	return health.Counters{
		Dropped:    ds.Dropped,
		Errors:     ds.Errors,
		Sent:       ds.Sent,
		Submitted:  ds.Submitted,
		Discarded:  ds.Discarded,
		Batches:    ds.Batches,
		Buffered:   ds.Buffered,
		Observed:   as.Observed,
		Faults:     as.Faults,
		Installed:  t.manager.State() == hook.StateInstalled,
		SampleRate: t.sampler.Rate(),
	}
}

// SessionID identifies this tracer instance in exported records.
func (t *Tracer) SessionID() uuid.UUID {
	return t.sessionID
}

// Reload applies new configuration. Sampling settings and the enabled flag
// take effect immediately; sink, buffer, mode and redaction changes need a
// restart and are reported.
func (t *Tracer) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	policy, err := policyFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := t.sampler.Update(policy); err != nil {
		return fmt.Errorf("update sampler: %w", err)
	}

	old := t.cfg.Swap(cfg)

	for _, c := range restartOnly(old, cfg) {
		t.logger.Warn("config change requires restart, ignoring", zap.String("setting", c))
	}

	if cfg.Enabled != old.Enabled {
		if cfg.Enabled {
			err = t.Enable()
		} else {
			err = t.Disable()
		}
		if err != nil {
			return err
		}
	}

	t.logger.Info("configuration reloaded",
		zap.Bool("enabled", cfg.Enabled),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Strings("kinds", cfg.Tracing.Kinds),
	)
	return nil
}

func restartOnly(old, cur *config.Config) []string {
	var changed []string
	if old.SinkEndpoint != cur.SinkEndpoint {
		changed = append(changed, "sink_endpoint")
	}
	if old.InstallationMode != cur.InstallationMode {
		changed = append(changed, "installation_mode")
	}
	if old.BufferCapacity != cur.BufferCapacity {
		changed = append(changed, "buffer_capacity")
	}
	if old.FlushInterval != cur.FlushInterval {
		changed = append(changed, "flush_interval")
	}
	if old.Redaction.Enabled != cur.Redaction.Enabled || len(old.Redaction.Rules) != len(cur.Redaction.Rules) {
		changed = append(changed, "redaction")
	}
	return changed
}

func policyFromConfig(cfg *config.Config) (traces.Policy, error) {
	p := traces.Policy{
		Rate:            cfg.SampleRate,
		IncludePrefixes: cfg.Tracing.Include,
		ExcludePrefixes: cfg.Tracing.Exclude,
	}
	for _, name := range cfg.Tracing.Kinds {
		k, ok := event.ParseKind(name)
		if !ok {
			return traces.Policy{}, fmt.Errorf("tracing kinds: unknown event kind %q", name)
		}
		p.Kinds = append(p.Kinds, k)
	}
	return p, nil
}

func redactorFromConfig(cfg *config.Config) (*redact.Redactor, error) {
	var extra []redact.Rule
	for _, r := range cfg.Redaction.Rules {
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", r.Name, err)
		}
		extra = append(extra, redact.Rule{
			Name:        r.Name,
			Pattern:     compiled,
			Replacement: r.Replacement,
		})
	}
	return redact.New(redact.Options{
		Enabled:           cfg.Redaction.Enabled,
		NormalizeLiterals: cfg.Redaction.NormalizeLiterals,
		MaxLen:            cfg.Redaction.MaxMessageLen,
		ExtraRules:        extra,
	}), nil
}
