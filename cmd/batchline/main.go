// ABOUTME: Entry point for the batchline server and its operator commands
// ABOUTME: serve runs the gateway; learn, token and health are one-shot helpers

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/config"
	"github.com/2389/batchline/internal/gateway"
	"github.com/2389/batchline/internal/learning"
	"github.com/2389/batchline/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _           _       _     _ _
| |__   __ _| |_ ___| |__ | (_)_ __   ___
| '_ \ / _' | __/ __| '_ \| | | '_ \ / _ \
| |_) | (_| | || (__| | | | | | | | |  __/
|_.__/ \__,_|\__\___|_| |_|_|_|_| |_|\___|
`

func usage() {
	fmt.Println("Usage: batchline <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the server")
	fmt.Println("  learn [--tenant ID]                 Run pattern learning once (all tenants by default)")
	fmt.Println("  token --tenant ID [--role R]...     Issue an API token")
	fmt.Println("        [--subject S] [--ttl 720h]")
	fmt.Println("  health                              Check server health")
	fmt.Println("  ready                               Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "learn":
		err = runLearn(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Batching:  quiet %s, max %s\n", cfg.Batching.QuietWindow, cfg.Batching.MaxWindow)
	green.Print("    ▶ ")
	fmt.Printf("Memory:    %s\n", cfg.Memory.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Learning:  ")
	if cfg.Learning.Schedule != "" {
		cyan.Println(cfg.Learning.Schedule)
	} else {
		yellow.Println("manual only")
	}
	if cfg.Outbound.WebhookURL == "" {
		green.Print("    ▶ ")
		fmt.Print("Outbound:  ")
		yellow.Println("log only (no webhook_url)")
	}
	fmt.Println()

	logger.Info("starting batchline",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"memory_backend", cfg.Memory.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runLearn mines patterns once without starting the server.
func runLearn(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant")
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = s.Close() }()

	engine := learning.NewEngine(s, auth.NewGuard(s, logger), gateway.LearningOptions(cfg.Learning), logger)

	var reports []*learning.Report
	if tenants := flags["tenant"]; len(tenants) > 0 {
		tenantID := tenants[len(tenants)-1]
		report, err := engine.Run(auth.SystemContext(ctx, tenantID), tenantID)
		if err != nil {
			return fmt.Errorf("learning for %s: %w", tenantID, err)
		}
		reports = append(reports, report)
	} else {
		reports, err = engine.RunAll(ctx)
		if err != nil {
			printReports(reports)
			return err
		}
	}

	printReports(reports)
	return nil
}

func printReports(reports []*learning.Report) {
	green := color.New(color.FgGreen)
	for _, r := range reports {
		green.Print("    ✓ ")
		fmt.Printf("%s: corpus %d (%d successful), %d candidates, %d created, %d updated\n",
			r.TenantID, r.CorpusSize, r.Successful, r.Candidates, r.Created, r.Updated)
	}
}

// runToken signs an API token with the configured secret.
func runToken(args []string) error {
	flags, err := parseFlags(args, "tenant", "role", "subject", "ttl")
	if err != nil {
		return err
	}
	tenantID := last(flags["tenant"])
	if tenantID == "" {
		return fmt.Errorf("--tenant flag is required")
	}
	roles := flags["role"]
	if len(roles) == 0 {
		roles = []string{auth.RoleIngest}
	}
	subject := last(flags["subject"])
	if subject == "" {
		subject = "cli"
	}
	ttl := 30 * 24 * time.Hour
	if raw := last(flags["ttl"]); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	token, err := verifier.Generate(subject, tenantID, roles, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// runProbe requests a health endpoint of a running server.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// parseFlags accepts "--name value" and "--name=value" for the allowed names.
// Repeated flags keep every value.
func parseFlags(args []string, allowed ...string) (map[string][]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	out := make(map[string][]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, fmt.Errorf("--%s cannot be empty", name)
		}
		out[name] = append(out[name], value)
	}
	return out, nil
}

func last(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived with WithAttrs or WithGroup share the parent's mutex.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}
