package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/floegence/webpilot-agent/internal/app"
	"github.com/floegence/webpilot-agent/internal/auditlog"
	"github.com/floegence/webpilot-agent/internal/config"
	"github.com/floegence/webpilot-agent/internal/engine"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("webpilot-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `webpilot-agent

Usage:
  webpilot-agent init [flags]
  webpilot-agent run [flags]
  webpilot-agent audit [flags]
  webpilot-agent version

Commands:
  init        Write a config file with the given model endpoint and defaults.
  run         Run a task against the configured browser and model routes.
  audit       Print recent tool executions from the local audit trail.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	endpoint := fs.String("endpoint", "", "Chat-completions endpoint URL")
	model := fs.String("model", "", "Model id for the default route")
	apiKeyEnv := fs.String("api-key-env", "", "Environment variable holding the API key")
	routeChain := fs.String("route-chain", "", "Path to a YAML route chain file (alternative to -endpoint)")
	browserEndpoint := fs.String("browser", "", "DevTools HTTP endpoint (default http://127.0.0.1:9222)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	rootDir := fs.String("root-dir", "", "Filesystem root dir (default: user home dir)")
	shell := fs.String("shell", "", "Shell command (default: $SHELL or /bin/bash)")

	permissions := fs.String("permissions", "", "Permission preset: full|read_only|no_shell|execute_read")

	logFormat := fs.String("log-format", "", "Log format: json|text (empty: autodetect)")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *endpoint == "" && *routeChain == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		ModelEndpoint:    *endpoint,
		Model:            *model,
		APIKeyEnv:        *apiKeyEnv,
		RouteChainPath:   *routeChain,
		BrowserEndpoint:  *browserEndpoint,
		RootDir:          *rootDir,
		Shell:            *shell,
		PermissionPreset: *permissions,
		LogFormat:        *logFormat,
		LogLevel:         *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	task := fs.String("task", "", "Task prompt for the agent")
	sessionID := fs.String("session", "", "Session id to continue (empty: new session)")
	maxSteps := fs.Int("max-steps", 0, "Override max tool steps per run")
	_ = fs.Parse(args)

	if *task == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *maxSteps > 0 {
		cfg.MaxSteps = *maxSteps
	}

	a, err := app.New(app.Options{Config: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		a.Stop()
		cancel()
	}()

	session := *sessionID
	if session == "" {
		session = uuid.NewString()
		fmt.Fprintf(os.Stderr, "session: %s\n", session)
	}

	status, err := a.RunTask(ctx, session, *task)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\nrun finished: %s\n", status)
	if status == engine.RunStatusFailedExecute {
		os.Exit(1)
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("n", 50, "Number of entries to print, newest first")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	trail, err := auditlog.New(auditlog.Options{
		Dir: filepath.Join(filepath.Dir(cfg.EffectiveSessionDBPath()), "audit"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit trail: %v\n", err)
		os.Exit(1)
	}

	entries, err := trail.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read audit trail: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-8s %-18s session=%s", e.CreatedAt, e.Status, e.Tool, e.SessionID)
		if e.Target != "" {
			line += " target=" + e.Target
		}
		if e.ErrorCode != "" {
			line += " code=" + e.ErrorCode
		}
		if e.VerifyReason != "" {
			line += " verify=" + e.VerifyReason
		}
		fmt.Println(line)
	}
}
