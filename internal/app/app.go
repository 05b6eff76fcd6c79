// Package app wires the engine to its collaborators: config, session store,
// browser client, bridge, virtual filesystem, leases and model routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/floegence/webpilot-agent/internal/auditlog"
	"github.com/floegence/webpilot-agent/internal/bridge"
	"github.com/floegence/webpilot-agent/internal/browser"
	"github.com/floegence/webpilot-agent/internal/config"
	"github.com/floegence/webpilot-agent/internal/engine"
	"github.com/floegence/webpilot-agent/internal/engine/sessionstore"
	"github.com/floegence/webpilot-agent/internal/lease"
	"github.com/floegence/webpilot-agent/internal/lockfile"
	"github.com/floegence/webpilot-agent/internal/vfs"
)

type Options struct {
	Config *config.Config
	Log    *slog.Logger
	// Sink receives streamed assistant text; nil means stdout.
	Sink engine.TextSink
}

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	lock    *lockfile.Lock
	store   *sessionstore.Store
	browser *browser.Client
	loop    *engine.Loop
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	log := opts.Log
	if log == nil {
		log = SetupLogger(cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	}

	stateDir := filepath.Dir(cfg.EffectiveSessionDBPath())
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	lockPath := filepath.Join(stateDir, "agent.lock")
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			if pid := lockfile.HolderPID(lockPath); pid > 0 {
				return nil, fmt.Errorf("another agent instance (pid %d) is already running against %s", pid, stateDir)
			}
			return nil, fmt.Errorf("another agent instance is already running against %s", stateDir)
		}
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}

	store, err := sessionstore.Open(cfg.EffectiveSessionDBPath())
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	browserClient := browser.NewClient(cfg.EffectiveBrowserEndpoint())
	browserClient.Log = log.With("component", "browser")

	registry := engine.NewProviderRegistry()
	runner := &bridge.Runner{Shell: cfg.EffectiveShell(), WorkDir: cfg.EffectiveRootDir()}
	files := &bridge.Files{Root: cfg.EffectiveRootDir()}
	providers := []engine.CapabilityProvider{
		&bridge.ExecProvider{Runner: runner, AttachProbe: true},
		&bridge.FileProvider{Files: files},
		&vfs.Provider{Store: vfs.NewStore()},
		&browser.SnapshotProvider{Client: browserClient},
		&browser.ActionProvider{Client: browserClient},
		&browser.VerifyProvider{Client: browserClient},
		engine.LocalProvider{},
	}
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			_ = store.Close()
			_ = lock.Release()
			return nil, err
		}
	}

	var audit engine.AuditRecorder
	trail, err := auditlog.New(auditlog.Options{
		Logger: log.With("component", "auditlog"),
		Dir:    filepath.Join(stateDir, "audit"),
	})
	if err != nil {
		log.Warn("audit trail disabled", "err", err)
	} else {
		audit = auditAdapter{trail: trail}
	}

	dispatcher := &engine.Dispatcher{
		Providers:    registry,
		Leases:       lease.NewService(),
		Observer:     browserClient,
		VerifyPolicy: engine.VerifyPolicy(cfg.EffectiveVerifyPolicy()),
		LeasePolicy:  engine.LeasePolicy(cfg.EffectiveLeasePolicy()),
		OwnerID:      "webpilot",
		Audit:        audit,
		Log:          log.With("component", "dispatcher"),
	}

	tools := FilterTools(cfg.EffectivePermissions(), DefaultTools())
	planner := &engine.Planner{
		Contracts: ContractsFor(tools),
		Targets: &browser.TargetDirectory{
			Client:   browserClient,
			Sessions: store,
		},
		Tools: toolIndex(tools),
	}

	retry, defaultRoute, err := buildRoutes(cfg, log)
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}

	loop := &engine.Loop{
		Store:      store,
		Retry:      retry,
		Planner:    planner,
		Dispatcher: dispatcher,
		Tools:      tools,
		Config: engine.LoopConfig{
			MaxSteps:           cfg.EffectiveMaxSteps(),
			Route:              defaultRoute,
			SystemPrompt:       systemPrompt,
			Temperature:        cfg.Temperature,
			Stream:             true,
			SameSignatureLimit: cfg.SameSignatureLimit,
			PingPongLimit:      cfg.PingPongLimit,
		},
		Sink: opts.Sink,
		Log:  log.With("component", "loop"),
	}
	if loop.Sink == nil {
		loop.Sink = func(delta string) { _, _ = os.Stdout.WriteString(delta) }
	}

	return &App{cfg: cfg, log: log, lock: lock, store: store, browser: browserClient, loop: loop}, nil
}

func (a *App) Close() {
	a.browser.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing session store", "err", err)
	}
	if err := a.lock.Release(); err != nil {
		a.log.Warn("releasing instance lock", "err", err)
	}
}

// auditAdapter bridges dispatcher outcomes into the on-disk audit trail.
type auditAdapter struct {
	trail *auditlog.Store
}

func (a auditAdapter) RecordToolExecution(sessionID string, tool engine.ToolDef, plan engine.ToolPlan, result engine.ExecutionResult) {
	entry := auditlog.Entry{
		SessionID:    sessionID,
		Tool:         tool.Name,
		PlanKind:     string(plan.Kind),
		Target:       plan.TargetID,
		Mutating:     tool.Mutating,
		Status:       "success",
		Verified:     result.Verified,
		VerifyReason: result.VerifyReason,
	}
	if !result.OK {
		entry.Status = "failure"
		entry.ErrorCode = result.ErrorCode
	}
	a.trail.Append(entry)
}

// RunTask executes one agent run and returns its terminal status.
func (a *App) RunTask(ctx context.Context, sessionID string, prompt string) (engine.RunStatus, error) {
	if strings.TrimSpace(sessionID) == "" {
		return engine.RunStatusIdle, errors.New("missing session id")
	}
	return a.loop.Run(ctx, sessionID, prompt)
}

// Stop requests cooperative cancellation of the active run.
func (a *App) Stop() { a.loop.Stop() }

// Steer injects user input into the active run.
func (a *App) Steer(text string) { a.loop.Steer(text) }

func buildRoutes(cfg *config.Config, log *slog.Logger) (*engine.RetryController, string, error) {
	maxDelay := time.Duration(cfg.EffectiveMaxRetryDelayMs()) * time.Millisecond

	var chain *config.RouteChain
	if strings.TrimSpace(cfg.RouteChainPath) != "" {
		loaded, err := config.LoadRouteChain(cfg.RouteChainPath)
		if err != nil {
			return nil, "", err
		}
		chain = loaded
	}

	policy := engine.ChainEscalationPolicy{}
	if chain != nil {
		policy.Chain = chain.Escalation.Chain
		policy.Disabled = chain.Escalation.Disabled
	}
	retry := engine.NewRetryController(policy, log.With("component", "retry"))
	retry.MaxRetryDelay = maxDelay

	if chain == nil {
		transport := &engine.ChatTransport{
			Endpoint:      cfg.ModelEndpoint,
			APIKey:        cfg.APIKey(),
			MaxRetryDelay: maxDelay,
			Log:           log.With("route", "default"),
		}
		route := engine.ModelRoute{Name: "default", Model: cfg.Model, Transport: transport}
		if err := retry.RegisterRoute(route); err != nil {
			return nil, "", err
		}
		return retry, "default", nil
	}

	for _, spec := range chain.Routes {
		transport, err := transportFor(cfg, spec, maxDelay, log)
		if err != nil {
			return nil, "", err
		}
		route := engine.ModelRoute{Name: spec.Name, Model: spec.Model, Transport: transport}
		if err := retry.RegisterRoute(route); err != nil {
			return nil, "", err
		}
	}
	defaultRoute := chain.Routes[0].Name
	if len(chain.Escalation.Chain) > 0 {
		defaultRoute = chain.Escalation.Chain[0]
	}
	return retry, defaultRoute, nil
}

func transportFor(cfg *config.Config, spec config.RouteSpec, maxDelay time.Duration, log *slog.Logger) (engine.Transport, error) {
	apiKey := spec.APIKey()
	if apiKey == "" {
		apiKey = cfg.APIKey()
	}
	switch strings.TrimSpace(spec.Provider) {
	case "", "chat":
		endpoint := strings.TrimSpace(spec.Endpoint)
		if endpoint == "" {
			endpoint = strings.TrimSpace(cfg.ModelEndpoint)
		}
		if endpoint == "" {
			return nil, fmt.Errorf("route %q has no endpoint", spec.Name)
		}
		return &engine.ChatTransport{
			Endpoint:      endpoint,
			APIKey:        apiKey,
			MaxRetryDelay: maxDelay,
			Log:           log.With("route", spec.Name),
		}, nil
	case "openai":
		return engine.NewOpenAITransport(apiKey, spec.Endpoint, spec.Model), nil
	case "anthropic":
		return engine.NewAnthropicTransport(apiKey, spec.Endpoint, spec.Model), nil
	default:
		return nil, fmt.Errorf("route %q: unknown provider %q", spec.Name, spec.Provider)
	}
}

// SetupLogger builds the process logger. An empty format auto-selects text
// when stderr is a terminal, json otherwise.
func SetupLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

const systemPrompt = `You are a web automation agent. You operate a real browser and a local
machine through tools. Observe before you act: list tabs, search for
elements, then act on element references from a fresh snapshot. Element
references go stale after navigation. Prefer small verifiable steps and
check results with page.assert when the outcome matters. When a tool result
reports a failure envelope, follow its resume_strategy.`
