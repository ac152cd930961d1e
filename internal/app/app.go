// Package app wires the call service subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// session store, audit trail, provider chains, turn processor, and HTTP
// surface; Run serves until the context ends; Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithCarrier, WithClipStore). When an option is not provided, New builds
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/carillon-health/carillon/internal/audit"
	"github.com/carillon-health/carillon/internal/call"
	"github.com/carillon-health/carillon/internal/config"
	"github.com/carillon-health/carillon/internal/health"
	"github.com/carillon-health/carillon/internal/media"
	"github.com/carillon-health/carillon/internal/observe"
	"github.com/carillon-health/carillon/internal/policy"
	"github.com/carillon-health/carillon/internal/resilience"
	"github.com/carillon-health/carillon/internal/session"
	"github.com/carillon-health/carillon/internal/telephony"
	"github.com/carillon-health/carillon/internal/turn"
	"github.com/carillon-health/carillon/pkg/provider/llm"
	"github.com/carillon-health/carillon/pkg/provider/stt"
	"github.com/carillon-health/carillon/pkg/provider/tts"
)

// Named pairs a provider with the name it was configured under, for
// breaker identification and logs.
type Named[T any] struct {
	Name     string
	Provider T
}

// Providers holds the pipeline capabilities in priority order: index 0 is
// the primary, the rest are fallbacks. Empty slices mean the capability is
// not configured; turns then degrade to scripted responses.
type Providers struct {
	LLM []Named[llm.Provider]
	STT []Named[stt.Provider]
	TTS []Named[tts.Provider]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store     session.Store
	sessions  session.Keyspace[call.Session]
	states    session.Keyspace[turn.State]
	recorder  *audit.Recorder
	clips     turn.ClipStore
	processor *turn.Processor
	carrier   telephony.Carrier
	handler   *telephony.Handler
	server    *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option injects a test double into New.
type Option func(*App)

// WithStore injects a session store instead of building one from config.
func WithStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCarrier injects a carrier client instead of building one from config.
func WithCarrier(c telephony.Carrier) Option {
	return func(a *App) { a.carrier = c }
}

// WithClipStore injects a clip store instead of the disk-backed one.
func WithClipStore(cs turn.ClipStore) Option {
	return func(a *App) { a.clips = cs }
}

// New wires the application. Providers come from main via the config
// registry.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initAudit(ctx); err != nil {
		return nil, fmt.Errorf("app: init audit: %w", err)
	}
	if err := a.initClips(); err != nil {
		return nil, fmt.Errorf("app: init media: %w", err)
	}
	a.initProcessor()
	if err := a.initTelephony(); err != nil {
		return nil, fmt.Errorf("app: init telephony: %w", err)
	}
	a.initHTTP()
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	sessionTTL := a.cfg.Store.SessionTTL.Std()
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	conversationTTL := a.cfg.Store.ConversationTTL.Std()
	if conversationTTL <= 0 {
		conversationTTL = 30 * time.Minute
	}

	if a.store == nil {
		switch a.cfg.Store.Backend {
		case config.StoreRedis:
			url := fmt.Sprintf("redis://:%s@%s/%d", a.cfg.Store.RedisPassword, a.cfg.Store.RedisAddr, a.cfg.Store.RedisDB)
			if a.cfg.Store.RedisPassword == "" {
				url = fmt.Sprintf("redis://%s/%d", a.cfg.Store.RedisAddr, a.cfg.Store.RedisDB)
			}
			rs, err := session.NewRedisStore(ctx, url)
			if err != nil {
				return err
			}
			a.store = rs
			a.closers = append(a.closers, rs.Close)
			slog.Info("session store connected", "backend", "redis", "addr", a.cfg.Store.RedisAddr)
		default:
			ms := session.NewMemStore()
			a.store = ms
			stopSweep := startSweeper(func() { ms.Sweep() })
			a.closers = append(a.closers, func() error { stopSweep(); return nil })
			slog.Info("session store ready", "backend", "memory")
		}
	}

	a.sessions = session.NewKeyspace[call.Session](a.store, "call", sessionTTL)
	a.states = session.NewKeyspace[turn.State](a.store, "conv", conversationTTL)
	return nil
}

func (a *App) initAudit(ctx context.Context) error {
	sinks := []audit.Sink{audit.NewSlogSink(slog.Default())}

	if dsn := a.cfg.Audit.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		sink := audit.NewPostgresSink(pool)
		if err := sink.Migrate(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("migrate audit schema: %w", err)
		}
		sinks = append(sinks, sink)
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		slog.Info("audit sink connected", "sink", "postgres")
	}

	a.recorder = audit.NewRecorder(sinks)
	return nil
}

func (a *App) initClips() error {
	if a.clips != nil {
		return nil
	}
	dir := a.cfg.Server.MediaDir
	if dir == "" {
		dir = "media"
	}
	ds, err := media.NewDiskStore(dir, "/audio")
	if err != nil {
		return err
	}
	a.clips = ds
	stopSweep := startSweeper(func() {
		if n := ds.Sweep(); n > 0 {
			slog.Debug("media swept", "removed", n)
		}
	})
	a.closers = append(a.closers, func() error { stopSweep(); return nil })
	return nil
}

func (a *App) initProcessor() {
	breaker := resilience.BreakerConfig{}

	llmChain := resilience.NewLLMChain(breaker)
	for _, p := range a.providers.LLM {
		llmChain.Add(p.Name, p.Provider)
	}
	sttChain := resilience.NewSTTChain(breaker)
	for _, p := range a.providers.STT {
		sttChain.Add(p.Name, p.Provider)
	}
	ttsChain := resilience.NewTTSChain(breaker)
	for _, p := range a.providers.TTS {
		ttsChain.Add(p.Name, p.Provider)
	}

	polCfg := policy.DefaultConfig()
	if a.cfg.Conversation.TurnLimit > 0 {
		polCfg.TurnLimit = a.cfg.Conversation.TurnLimit
	}
	if len(a.cfg.Conversation.TriggerTerms) > 0 {
		polCfg.TriggerTerms = a.cfg.Conversation.TriggerTerms
	}

	a.processor = turn.NewProcessor(
		a.states,
		turn.Capabilities{STT: sttChain, LLM: llmChain, TTS: ttsChain},
		a.recorder,
		a.clips,
		nil,
		polCfg,
		turn.Config{
			MaxTokens:     a.cfg.Conversation.MaxTokens,
			Temperature:   a.cfg.Conversation.Temperature,
			Deadline:      a.cfg.Conversation.TurnDeadline.Std(),
			FailureBudget: a.cfg.Conversation.FailureBudget,
		},
	)
	a.applyTemplates(a.cfg.Conversation.Templates)
}

func (a *App) initTelephony() error {
	if a.carrier == nil {
		if a.cfg.Carrier.Enabled() {
			c, err := telephony.NewRESTCarrier(telephony.RESTCarrierConfig{
				BaseURL:    a.cfg.Carrier.BaseURL,
				AccountSID: a.cfg.Carrier.AccountSID,
				AuthToken:  a.cfg.Carrier.AuthToken,
				FromNumber: a.cfg.Carrier.FromNumber,
			})
			if err != nil {
				return err
			}
			a.carrier = c
		} else {
			a.carrier = disabledCarrier{}
			slog.Warn("no carrier configured; outbound call control is disabled")
		}
	}

	var limiter telephony.Limiter
	var publisher telephony.Publisher
	if rs, ok := a.store.(*session.RedisStore); ok {
		if perMin := a.cfg.RateLimit.PerMinute; perMin > 0 {
			limiter = session.NewRateLimiter(rs.Client(), perMin, time.Minute)
		}
		publisher = session.NewEventPublisher(rs.Client(), "carillon:call_events")
	}

	a.handler = telephony.NewHandler(a.sessions, a.processor, a.carrier, a.recorder, limiter, publisher, telephony.HandlerConfig{
		Queue:           a.cfg.Carrier.Queue,
		PublicBaseURL:   a.cfg.Server.PublicBaseURL,
		DefaultScenario: a.cfg.Conversation.DefaultScenario,
	})
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.handler.Register(mux)

	checks := []health.Checker{health.StoreChecker(a.store)}
	if rc, ok := a.carrier.(*telephony.RESTCarrier); ok {
		checks = append(checks, health.CarrierChecker("carrier", rc.Ping))
	}
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	if ds, ok := a.clips.(*media.DiskStore); ok {
		mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(ds.Dir()))))
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Processor exposes the turn processor, mainly for config hot reload.
func (a *App) Processor() *turn.Processor { return a.processor }

// ApplyConfig applies a hot-reloadable change set from the config watcher.
func (a *App) ApplyConfig(cs config.ChangeSet, cfg *config.Config) {
	if cs.PolicyChanged {
		polCfg := policy.DefaultConfig()
		if cfg.Conversation.TurnLimit > 0 {
			polCfg.TurnLimit = cfg.Conversation.TurnLimit
		}
		if len(cfg.Conversation.TriggerTerms) > 0 {
			polCfg.TriggerTerms = cfg.Conversation.TriggerTerms
		}
		a.processor.SetPolicy(polCfg)
		slog.Info("escalation policy reloaded", "turn_limit", polCfg.TurnLimit, "trigger_terms", len(polCfg.TriggerTerms))
	}
	if cs.TemplatesChanged {
		a.applyTemplates(cfg.Conversation.Templates)
		slog.Info("prompt templates reloaded", "overrides", len(cfg.Conversation.Templates))
	}
}

func (a *App) applyTemplates(overrides map[string]string) {
	reg := a.processor.Templates()
	for scenario, tmpl := range overrides {
		reg = reg.WithTemplate(scenario, tmpl)
	}
	a.processor.SetTemplates(reg)
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown releases resources in reverse construction order. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// disabledCarrier rejects outbound call control when no carrier is
// configured. Inbound webhooks still work.
type disabledCarrier struct{}

var errNoCarrier = errors.New("app: no carrier configured")

func (disabledCarrier) PlaceCall(context.Context, string, string, string) (string, error) {
	return "", errNoCarrier
}

func (disabledCarrier) FetchCall(context.Context, string) (telephony.CallDetails, error) {
	return telephony.CallDetails{}, errNoCarrier
}

func (disabledCarrier) UpdateStatus(context.Context, string, string) error {
	return errNoCarrier
}

// startSweeper runs fn once a minute until the returned stop func is called.
func startSweeper(fn func()) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() { close(done) }
}
