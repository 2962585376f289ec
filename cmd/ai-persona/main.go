// ai-persona compiles structured AI personas into system prompts and
// dispatches them to a configurable LLM backend.
//
// It exposes an HTTP API (JSON generation, SSE and WebSocket streaming,
// persona management) and a CLI for one-shot generations and persona
// housekeeping. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ai-persona serve                     Start the API server
//	ai-persona init [dir]                Initialize a working directory
//	ai-persona ask [-persona id] <text>  Run a single generation
//	ai-persona compile <persona-id>      Print a persona's compiled prompt
//	ai-persona import <file>             Import personas from .json or .md
//	ai-persona templates [install slug]  List or install starter templates
//	ai-persona version                   Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/ai-persona/internal/analytics"
	"github.com/nugget/ai-persona/internal/api"
	"github.com/nugget/ai-persona/internal/buildinfo"
	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/connwatch"
	"github.com/nugget/ai-persona/internal/events"
	"github.com/nugget/ai-persona/internal/generate"
	"github.com/nugget/ai-persona/internal/httpkit"
	"github.com/nugget/ai-persona/internal/llm"
	"github.com/nugget/ai-persona/internal/mqtt"
	"github.com/nugget/ai-persona/internal/observability"
	"github.com/nugget/ai-persona/internal/persona"
	"github.com/nugget/ai-persona/internal/webhook"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ai-persona command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to the subcommand,
			// including its own flags.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "compile":
		return runCompile(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "import":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ai-persona import <file.json|file.md>")
		}
		return runImport(ctx, stdout, configPath, outputFmt, cmdArgs[0])
	case "templates":
		return runTemplates(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Build()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ai-persona - persona prompt compiler and LLM gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ai-persona [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the API server")
	fmt.Fprintln(w, "  init [dir]                Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask [flags] <input>       Run a single generation")
	fmt.Fprintln(w, "      -persona <id>         Use a stored persona")
	fmt.Fprintln(w, "      -prompt <text>        System prompt when no persona is given")
	fmt.Fprintln(w, "      -var name=value       Request variable (repeatable)")
	fmt.Fprintln(w, "      -stream               Print tokens as they arrive")
	fmt.Fprintln(w, "  compile <id> [-var n=v]   Print a persona's compiled system prompt")
	fmt.Fprintln(w, "  import <file>             Import personas from a .json or .md file")
	fmt.Fprintln(w, "  templates                 List starter templates")
	fmt.Fprintln(w, "  templates install <slug> [id]")
	fmt.Fprintln(w, "                            Install a starter template as a persona")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ai-persona/config.yaml, /etc/ai-persona/config.yaml")
	return nil
}

// askOptions are the flags accepted after "ask" and "compile".
type askOptions struct {
	personaID string
	prompt    string
	stream    bool
	vars      map[string]string
	rest      []string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{}
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-persona" && i+1 < len(args):
			opts.personaID = args[i+1]
			i++
		case a == "-prompt" && i+1 < len(args):
			opts.prompt = args[i+1]
			i++
		case a == "-var" && i+1 < len(args):
			name, value, ok := strings.Cut(args[i+1], "=")
			if !ok || strings.TrimSpace(name) == "" {
				return opts, fmt.Errorf("-var expects name=value, got %q", args[i+1])
			}
			if opts.vars == nil {
				opts.vars = map[string]string{}
			}
			opts.vars[strings.TrimSpace(name)] = value
			i++
		case a == "-stream":
			opts.stream = true
		case strings.HasPrefix(a, "-") && len(opts.rest) == 0:
			return opts, fmt.Errorf("unknown flag: %s", a)
		default:
			opts.rest = append(opts.rest, a)
		}
	}
	return opts, nil
}

// runAsk handles "ai-persona ask". It runs one generation through the
// same service the server uses, without observers, and prints the
// output. Useful for smoke-testing a provider configuration.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}
	input := strings.Join(opts.rest, " ")
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("usage: ai-persona ask [-persona id] [-prompt text] [-var name=value] [-stream] <input>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat, false)

	store, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	svc := generate.New(store, config.Static(cfg), generate.WithLogger(logger))
	req := generate.Request{
		Prompt:    opts.prompt,
		PersonaID: opts.personaID,
		UserInput: input,
		Variables: opts.vars,
	}

	if !opts.stream {
		res, err := svc.Generate(ctx, req)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		if outputFmt == "json" {
			return writeJSON(stdout, res)
		}
		if res.Failed() {
			return fmt.Errorf("%s: %s", res.Provider, res.Error)
		}
		fmt.Fprintln(stdout, res.Output)
		return nil
	}

	var streamErr []string
	err = svc.Stream(ctx, req, func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(stdout, ev.Text)
		case llm.KindError:
			streamErr = append(streamErr, ev.Text)
		case llm.KindDone:
			fmt.Fprintln(stdout)
		}
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if len(streamErr) > 0 {
		return errors.New(strings.Join(streamErr, "; "))
	}
	return nil
}

// runCompile prints the system prompt a stored persona compiles to.
func runCompile(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}
	if len(opts.rest) != 1 {
		return fmt.Errorf("usage: ai-persona compile <persona-id> [-var name=value]")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	rec, err := store.Get(ctx, opts.rest[0])
	if err != nil {
		return fmt.Errorf("compile %s: %w", opts.rest[0], err)
	}
	prompt := persona.Compile(rec, persona.Context{Variables: opts.vars})
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]string{"persona_id": rec.ID, "prompt": prompt})
	}
	fmt.Fprintln(stdout, prompt)
	return nil
}

// runImport loads personas from a JSON or Markdown file into the store.
// Records that carry an id replace the stored persona with that id.
func runImport(ctx context.Context, stdout io.Writer, configPath, outputFmt, path string) error {
	records, err := persona.ImportFile(path)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	saved := make([]persona.Record, 0, len(records))
	for _, rec := range records {
		if rec.Empty() {
			continue
		}
		out, err := store.Save(ctx, rec)
		if err != nil {
			return fmt.Errorf("save persona %q: %w", rec.Title, err)
		}
		saved = append(saved, out)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"personas": saved, "count": len(saved)})
	}
	for _, rec := range saved {
		fmt.Fprintf(stdout, "  ✓ %s  %s\n", rec.ID, rec.Title)
	}
	fmt.Fprintf(stdout, "Imported %d persona(s) from %s\n", len(saved), path)
	return nil
}

// runTemplates lists the bundled starter templates, or installs one
// with "templates install <slug> [id]".
func runTemplates(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) > 0 {
		if args[0] != "install" || len(args) < 2 {
			return fmt.Errorf("usage: ai-persona templates [install <slug> [id]]")
		}
		tpl, ok := persona.TemplateBySlug(args[1])
		if !ok {
			return fmt.Errorf("unknown template: %s", args[1])
		}
		rec := tpl.Record
		if len(args) > 2 {
			rec.ID = strings.TrimSpace(args[2])
		}
		if rec.Title == "" {
			rec.Title = tpl.Name
		}

		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		store, closeDB, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeDB()

		saved, err := store.Save(ctx, rec)
		if err != nil {
			return fmt.Errorf("install template %s: %w", tpl.Slug, err)
		}
		if outputFmt == "json" {
			return writeJSON(stdout, saved)
		}
		fmt.Fprintf(stdout, "Installed %s as persona %s\n", tpl.Slug, saved.ID)
		return nil
	}

	list, err := persona.Templates()
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, list)
	}
	for _, tpl := range list {
		fmt.Fprintf(stdout, "  %-20s %s\n", tpl.Slug, tpl.Description)
	}
	return nil
}

// runServe handles the "ai-persona serve" subcommand. It loads config,
// opens the persona database, wires the generation observers (analytics,
// webhooks, MQTT), starts the API server, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Pending webhook deliveries finish
//  5. Health probes stop, buffered spans are flushed and the database
//     is closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text", false)
	logger.Info("starting ai-persona", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The level follows config reloads; the format is fixed at startup.
	var level slog.LevelVar
	{
		lvl, _ := config.ParseLogLevel(cfg.LogLevel) // validated by config.Validate
		level.Set(lvl)
		logger = newLogger(stdout, &level, cfg.LogFormat, cfg.Tracing.Enabled)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.LLM().Resolved().Model,
	)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Tracing ---
	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(ctx, cfg.Tracing.ServiceName, buildinfo.Version)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
		logger.Info("tracing enabled", "service", cfg.Tracing.ServiceName)
	}

	// --- Live configuration ---
	bus := events.New()
	source := config.NewSource(cfgPath, cfg, logger, bus)
	source.OnChange(func(c *config.Config) {
		lvl, _ := config.ParseLogLevel(c.LogLevel)
		level.Set(lvl)
	})
	go func() {
		if err := source.Watch(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	// --- Persona store ---
	store, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	// --- Dependency health ---
	// Background probes with backoff. Failures never block startup;
	// they show up as "degraded" on /health and on the event feed.
	health := connwatch.NewMonitor(bus, logger)
	defer health.Stop()
	probeClient := httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithLogger(logger))
	if err := health.Watch(ctx, connwatch.Target{
		Name:  "provider",
		Probe: connwatch.ProviderProbe(source, probeClient),
	}); err != nil {
		return err
	}

	// --- Observers ---
	// Each runs after every successful generation, in registration order.
	var observers []generate.Observer

	var analyticsLog *analytics.Log
	if cfg.Analytics.Enabled {
		analyticsLog = analytics.NewLog(cfg.Analytics.Path, logger)
		observers = append(observers, analyticsLog)
		logger.Info("analytics logging enabled", "path", cfg.Analytics.Path)
	}

	dispatcher := webhook.New(source, webhook.WithBus(bus), webhook.WithLogger(logger))
	observers = append(observers, dispatcher)
	if n := len(webhook.CleanEndpoints(cfg.Webhooks.Endpoints)); n > 0 {
		logger.Info("webhook delivery enabled", "endpoints", n)
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		counter := mqtt.NewDailyCounter(time.Local)
		mqttPub = mqtt.New(cfg.MQTT, instanceID, counter, &mqttStatsAdapter{source: source}, logger)
		observers = append(observers, mqttPub)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		if err := health.Watch(ctx, connwatch.Target{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
		}); err != nil {
			return err
		}

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Generation service and API ---
	svc := generate.New(store, source,
		generate.WithHooks(generate.Hooks{Observers: observers}),
		generate.WithBus(bus),
		generate.WithLogger(logger),
	)

	server := api.NewServer(source, svc, store, logger)
	server.SetAnalytics(analyticsLog)
	server.SetEventBus(bus)
	server.SetHealthMonitor(health)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start blocks until the server is shut down.
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	dispatcher.Wait()
	logger.Info("ai-persona stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. When traced is set, records carry the active span's
// trace and span ids.
func newLogger(w io.Writer, level slog.Leveler, format string, traced bool) *slog.Logger {
	handler := config.NewHandler(w, level, format)
	if traced {
		handler = observability.NewTraceHandler(handler)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// openStore opens the persona database under the data directory. The
// returned func closes it.
func openStore(cfg *config.Config) (*persona.Store, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "personas.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open persona database %s: %w", dbPath, err)
	}

	store, err := persona.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open persona database %s: %w", dbPath, err)
	}
	return store, func() { _ = db.Close() }, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mqttStatsAdapter bridges build info and the live config to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	source *config.Source
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Provider() string      { return a.source.Current().Provider.Name }
