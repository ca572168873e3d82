// Command counselor runs the college counseling assistant.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/counselor-agent/internal/agent"
	"github.com/nugget/counselor-agent/internal/api"
	"github.com/nugget/counselor-agent/internal/buildinfo"
	"github.com/nugget/counselor-agent/internal/config"
	"github.com/nugget/counselor-agent/internal/tools"
	"github.com/nugget/counselor-agent/internal/tracing"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	counselor  string // acting counselor for ask
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that run has no global state and can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-as" && i+1 < len(args):
			opts.counselor = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if opts.counselor == "" {
		opts.counselor = "cli"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: counselor ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(stdout, opts.outputFmt)
	case "token":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: counselor token <counselor-id> [name]")
		}
		return runToken(stdout, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Counselor - college counseling assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: counselor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the API server")
	fmt.Fprintln(w, "  init [dir]             Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <question>         Ask a single question and stream the answer")
	fmt.Fprintln(w, "  tools                  List the assistant's tools")
	fmt.Fprintln(w, "  token <id> [name]      Mint a bearer token for a counselor")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -as <id>          Counselor id for ask (default: cli)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runTools prints the tool registry. It needs no configuration.
func runTools(w io.Writer, outputFmt string) error {
	reg := tools.NewRegistry()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reg.List())
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONFIRM\tDESCRIPTION")
	for _, t := range reg.List() {
		confirm := ""
		if t.Mutates {
			confirm = "yes"
		}
		desc, _, _ := strings.Cut(t.Description, ".")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, confirm, desc)
	}
	return tw.Flush()
}

// runToken mints a development bearer token with the configured secret.
func runToken(w io.Writer, opts options, args []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	auth, err := api.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	name := strings.Join(args[1:], " ")
	token, err := auth.Mint(args[0], name, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return json.NewEncoder(w).Encode(map[string]any{
			"token":      token,
			"counselor":  args[0],
			"expires_at": time.Now().Add(cfg.Auth.TokenTTL).UTC(),
		})
	}
	fmt.Fprintln(w, token)
	return nil
}

// runAsk answers one question from the command line, streaming tokens
// as they arrive. The turn is persisted like any other, so follow-ups
// through the API can see it.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so the answer on stdout stays clean.
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	req := agent.Request{OwnerID: opts.counselor, Message: question}
	if opts.outputFmt == "json" {
		reply, err := a.chat.Ask(ctx, req)
		if reply != nil {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(reply); encErr != nil {
				return encErr
			}
		}
		return err
	}

	sink := func(e agent.Event) {
		switch e.Type {
		case agent.EventToken:
			fmt.Fprint(stdout, e.Content)
		case agent.EventToolCall:
			fmt.Fprintf(stderr, "[%s]\n", e.ToolCall.Name)
		case agent.EventInsight:
			fmt.Fprintf(stderr, "insight (%s): %s\n", e.Insight.Priority, e.Insight.Finding)
		case agent.EventDone:
			fmt.Fprintln(stdout)
			for _, c := range e.Confirmations {
				fmt.Fprintf(stderr, "pending: %s (token %s)\n", c.Message, c.ConfirmationToken)
			}
		}
	}
	_, err = a.chat.Stream(ctx, req, sink)
	return err
}

// runServe starts the API server and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	logger.Info("starting counselor agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"cache", cfg.Cache.Backend,
		"log_level", cfg.LogLevel,
	)

	auth, err := api.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancel everything below.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	health := a.watchDependencies(ctx)
	defer health.Stop()
	go a.sweepCache(ctx, time.Minute)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Chat:          a.chat,
		Executor:      a.executor,
		Conversations: a.conversations,
		Insights:      a.insights,
		Runs:          a.runs,
		Bus:           a.bus,
		Auth:          auth,
		Logger:        logger,
		Health:        health,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		_ = server.Shutdown(sctx)
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("counselor agent stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
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
