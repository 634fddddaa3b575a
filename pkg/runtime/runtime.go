// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runtime composes the Skein subsystems into one process: the
// message bus, knowledge store, analytics engine, review coordinator,
// template library, and workflow controller, wired to a shared clock
// and tracer, with cron-driven maintenance keeping the engine's
// baselines and caches fresh.
package runtime

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/agent"
	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/communication"
	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/knowledge"
	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/observability"
	"github.com/skeinworks/skein/pkg/orchestration"
	"github.com/skeinworks/skein/pkg/review"
	"github.com/skeinworks/skein/pkg/types"
)

// baselineLookback is the sample window the periodic baseline
// recompute considers.
const baselineLookback = time.Hour

// maintenance job schedules.
const (
	baselineSpec  = "@every 1m"
	cacheSpec     = "@every 1m"
	knowledgeSpec = "@every 5m"
)

// Runtime owns one instance of every subsystem and their lifecycle.
// Construct with New, tear down with Close.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	clk    clock.Clock

	bus        *communication.MessageBus
	store      *knowledge.Store
	engine     *metrics.Engine
	reviews    *review.Coordinator
	library    *orchestration.Library
	controller *orchestration.Controller
	bridge     *observability.MetricsBridge
	cron       *cron.Cron

	mu    sync.RWMutex
	hosts map[string]*agent.Host

	closed atomic.Bool
}

// Stats bundles every subsystem's counters for one snapshot.
type Stats struct {
	Bus       types.BusStats                `json:"bus"`
	Reviews   types.ReviewStats             `json:"reviews"`
	Knowledge types.StoreStats              `json:"knowledge"`
	Engine    types.EngineStats             `json:"engine"`
	Workflows orchestration.ControllerStats `json:"workflows"`
	Agents    int                           `json:"agents"`
}

// New builds a runtime from the configuration. Nil arguments select
// defaults. The returned runtime is live: the bus and coordinator
// sweepers and the maintenance cron are already running.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embedder, err := knowledge.NewEmbedder(cfg.EmbeddingModelName)
	if err != nil {
		return nil, err
	}

	clk := clock.System()

	engine := metrics.NewEngine(&metrics.EngineConfig{
		CacheTTL:         cfg.CacheTTL(),
		AnomalyThreshold: cfg.AnomalyThresholdSigma,
	}, clk, logger)

	bridge := observability.NewMetricsBridge(engine, logger)

	bus := communication.NewMessageBus(&communication.BusConfig{
		InboxCapacity:  cfg.MaxQueueSize,
		DefaultTimeout: cfg.DefaultTimeout(),
	}, clk, bridge, logger)

	store := knowledge.NewStore(knowledge.StoreOptions{
		PersistDir: cfg.PersistDirectory,
		Embedder:   embedder,
		Clock:      clk,
		Logger:     logger,
	})

	reviews := review.NewCoordinator(&review.CoordinatorConfig{
		DefaultDeadline: cfg.ReviewDeadline(),
	}, bus, clk, bridge, logger)

	library := orchestration.NewLibrary(&orchestration.LibraryConfig{
		Directory: cfg.Templates.Directory,
		HotReload: cfg.Templates.HotReload,
		Debounce:  cfg.TemplateDebounce(),
	}, logger)

	if n, err := library.Load(); err != nil {
		if types.KindOf(err) == types.ErrNotFound {
			builtin := library.LoadDefaults()
			logger.Info("Template directory absent, built-in templates loaded",
				zap.String("directory", cfg.Templates.Directory),
				zap.Int("count", builtin))
		} else {
			logger.Warn("Loading workflow templates", zap.Error(err))
		}
	} else if n > 0 {
		logger.Info("Workflow templates loaded",
			zap.Int("count", n),
			zap.String("directory", cfg.Templates.Directory))
	}
	if err := library.Watch(); err != nil {
		logger.Warn("Template hot-reload unavailable", zap.Error(err))
	}

	controller := orchestration.NewController(&orchestration.ControllerConfig{
		DefaultStepTimeout: cfg.DefaultTimeout(),
		ReviewDeadline:     cfg.ReviewDeadline(),
	}, bus, reviews, engine, library, clk, bridge, logger)

	r := &Runtime{
		cfg:        cfg,
		logger:     logger,
		clk:        clk,
		bus:        bus,
		store:      store,
		engine:     engine,
		reviews:    reviews,
		library:    library,
		controller: controller,
		bridge:     bridge,
		cron:       cron.New(),
		hosts:      make(map[string]*agent.Host),
	}

	jobs := []struct {
		spec string
		run  func()
	}{
		{baselineSpec, r.refreshBaselines},
		{cacheSpec, r.sweepCaches},
		{knowledgeSpec, r.snapshotKnowledge},
	}
	for _, job := range jobs {
		if _, err := r.cron.AddFunc(job.spec, job.run); err != nil {
			r.shutdown(nil)
			return nil, types.WrapError(types.ErrInternal, err, "scheduling %s maintenance job", job.spec)
		}
	}
	r.cron.Start()

	logger.Info("Runtime started",
		zap.String("data_dir", cfg.DataDir),
		zap.String("persist_dir", cfg.PersistDirectory),
		zap.String("embedding_model", cfg.EmbeddingModelName))
	return r, nil
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Clock returns the shared clock.
func (r *Runtime) Clock() clock.Clock { return r.clk }

// Bus returns the message bus.
func (r *Runtime) Bus() *communication.MessageBus { return r.bus }

// Knowledge returns the knowledge store.
func (r *Runtime) Knowledge() *knowledge.Store { return r.store }

// Engine returns the analytics engine.
func (r *Runtime) Engine() *metrics.Engine { return r.engine }

// Reviews returns the peer review coordinator.
func (r *Runtime) Reviews() *review.Coordinator { return r.reviews }

// Library returns the workflow template library.
func (r *Runtime) Library() *orchestration.Library { return r.library }

// Controller returns the workflow controller.
func (r *Runtime) Controller() *orchestration.Controller { return r.controller }

// Tracer returns the tracer wired through every subsystem.
func (r *Runtime) Tracer() observability.Tracer { return r.bridge }

// SpawnAgent creates a host wired to the runtime's bus, knowledge
// store, engine, and review coordinator, starts it, and tracks it for
// shutdown. Caller options are applied after the runtime's, so they
// can override any of them.
func (r *Runtime) SpawnAgent(ctx context.Context, id string, behavior agent.Behavior, opts ...agent.Option) (*agent.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return nil, types.NewInternal("runtime is closed")
	}
	if _, exists := r.hosts[id]; exists {
		return nil, types.NewValidation("agent %q is already running", id)
	}

	standard := []agent.Option{
		agent.WithKnowledge(r.store),
		agent.WithMetrics(r.engine),
		agent.WithReviews(r.reviews),
		agent.WithClock(r.clk),
		agent.WithTracer(r.bridge),
		agent.WithLogger(r.logger),
		agent.WithRequestTimeout(r.cfg.DefaultTimeout()),
	}
	host := agent.NewHost(id, behavior, r.bus, append(standard, opts...)...)
	if err := host.Start(ctx); err != nil {
		return nil, err
	}

	r.hosts[id] = host
	return host, nil
}

// StopAgent stops a spawned host and removes it from the registry.
func (r *Runtime) StopAgent(id string) error {
	r.mu.Lock()
	host, ok := r.hosts[id]
	delete(r.hosts, id)
	r.mu.Unlock()

	if !ok {
		return types.NewNotFound("agent %q is not running", id)
	}
	return host.Stop()
}

// Agent returns a spawned host by id.
func (r *Runtime) Agent(id string) (*agent.Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	host, ok := r.hosts[id]
	return host, ok
}

// Agents returns every spawned host, sorted by id.
func (r *Runtime) Agents() []*agent.Host {
	r.mu.RLock()
	out := make([]*agent.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Participants resolves agent ids into workflow participants. With no
// ids, every spawned host participates.
func (r *Runtime) Participants(ids ...string) ([]orchestration.Participant, error) {
	if len(ids) == 0 {
		hosts := r.Agents()
		out := make([]orchestration.Participant, len(hosts))
		for i, h := range hosts {
			out[i] = h
		}
		return out, nil
	}

	out := make([]orchestration.Participant, 0, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		host, ok := r.hosts[id]
		if !ok {
			return nil, types.NewNotFound("agent %q is not running", id)
		}
		out = append(out, host)
	}
	return out, nil
}

// Stats snapshots every subsystem's counters.
func (r *Runtime) Stats() Stats {
	r.mu.RLock()
	agents := len(r.hosts)
	r.mu.RUnlock()

	return Stats{
		Bus:       r.bus.Stats(),
		Reviews:   r.reviews.Stats(),
		Knowledge: r.store.Statistics(),
		Engine:    r.engine.Stats(),
		Workflows: r.controller.Stats(),
		Agents:    agents,
	}
}

// Close tears the runtime down in reverse dependency order: cron,
// hosts, controller, template library, coordinator, bus, knowledge
// store. Idempotent; the first error is returned but shutdown always
// runs to completion.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	hosts := make([]*agent.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.hosts = make(map[string]*agent.Host)
	r.mu.Unlock()

	return r.shutdown(hosts)
}

func (r *Runtime) shutdown(hosts []*agent.Host) error {
	cronCtx := r.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(r.cfg.ShutdownTimeout()):
		r.logger.Warn("Maintenance jobs still running at shutdown deadline")
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, h := range hosts {
		keep(h.Stop())
	}
	keep(r.controller.Close())
	keep(r.library.Close())
	keep(r.reviews.Close())
	keep(r.bus.Close())
	keep(r.store.Close())

	r.logger.Info("Runtime closed", zap.Int("agents_stopped", len(hosts)))
	return firstErr
}

// refreshBaselines recomputes anomaly baselines from the recent window.
func (r *Runtime) refreshBaselines() {
	if n := r.engine.UpdateBaselines(baselineLookback); n > 0 {
		r.logger.Debug("Metric baselines refreshed", zap.Int("series", n))
	}
}

// sweepCaches drops expired aggregation cache entries.
func (r *Runtime) sweepCaches() {
	if n := r.engine.SweepAggregationCache(); n > 0 {
		r.logger.Debug("Aggregation cache swept", zap.Int("evicted", n))
	}
}

// snapshotKnowledge gauges knowledge store activity into the engine.
func (r *Runtime) snapshotKnowledge() {
	stats := r.store.Statistics()
	r.engine.Record(types.MetricKnowledgeHits, float64(stats.Hits), nil)
}
