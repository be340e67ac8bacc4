// Package main is the entrypoint for the yori LLM gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yori-gw/yori/internal/config"
	"github.com/yori-gw/yori/internal/enforcement"
	"github.com/yori-gw/yori/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// startable is an interface for anything that can be started and then
// shut down with a context — satisfied by *server.Server.
type startable interface {
	Start(ctx context.Context) error
}

// serverFactory creates a startable server from config. Tests can inject a
// failing factory to cover the server.New() error path.
type serverFactory func(cfg *config.Config, configPath, version string) (startable, error)

// defaultServerFactory is the production factory that delegates to server.New.
func defaultServerFactory(cfg *config.Config, configPath, version string) (startable, error) {
	return server.New(cfg, configPath, version)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Global flags
	fs := flag.NewFlagSet("yori", flag.ContinueOnError)
	configPath := fs.String("config", "yori.yaml", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")

	// Parse only known flags before the subcommand
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage()
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("yori %s\n", Version)
		return 0
	}

	// Setup structured logging (JSON format)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Determine subcommand
	subcmd := "serve"
	remaining := fs.Args()
	if len(remaining) > 0 {
		subcmd = remaining[0]
		remaining = remaining[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(*configPath, defaultServerFactory)
	case "validate":
		return cmdValidate(*configPath)
	case "init":
		return cmdInit(remaining)
	case "hash-password":
		return cmdHashPassword(remaining)
	case "consent":
		return cmdConsent(*configPath, remaining)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `yori %s — Household LLM Gateway

Usage:
  yori [flags] <command>

Commands:
  serve          Start the gateway (default)
  validate       Validate configuration file
  init           Generate a new yori.yaml
  hash-password  Hash an override password for the config file
  consent        Show the enforcement consent warning and check consent state
  help           Show this help message

Flags:
  --config string   Path to configuration file (default "yori.yaml")
  --version         Print version and exit

Examples:
  yori serve --config /usr/local/etc/yori/yori.yaml
  yori validate --config yori.yaml
  yori hash-password --password "family secret"
  yori consent --check
`, Version)
}

// cmdServe starts the gateway with graceful shutdown on SIGINT/SIGTERM.
func cmdServe(configPath string, newServer serverFactory) int {
	logger := slog.Default()
	logger.Info("starting yori",
		"version", Version,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 1
	}

	for _, w := range config.ConsentWarnings(cfg) {
		logger.Warn("consent warning", "warning", w)
	}

	srv, err := newServer(cfg, configPath, Version)
	if err != nil {
		logger.Error("server initialization error", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}

	return 0
}

// cmdValidate loads and validates the configuration file.
func cmdValidate(configPath string) int {
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println("config valid")
	return 0
}

// cmdInit generates a starter yori.yaml.
func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("out", "yori.yaml", "output file path")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s already exists, refusing to overwrite\n", *out)
		return 1
	}

	if err := os.WriteFile(*out, []byte(exampleYAML), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *out, err)
		return 1
	}

	fmt.Printf("Generated %s (observe mode; read the consent warning before enabling enforcement)\n", *out)
	return 0
}

// cmdHashPassword hashes a plaintext password for use in the configuration
// file (emergency_override.password_hash or override.password_hash).
func cmdHashPassword(args []string) int {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	password := fs.String("password", "", "password to hash")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *password == "" {
		fmt.Fprintln(os.Stderr, "Error: --password is required")
		return 1
	}

	hash, err := enforcement.HashPassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println(hash)
	return 0
}

// cmdConsent prints the enforcement consent warning. With --check it also
// loads the config and reports consent violations.
func cmdConsent(configPath string, args []string) int {
	fs := flag.NewFlagSet("consent", flag.ContinueOnError)
	check := fs.Bool("check", false, "check consent state of the configuration file")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Print(config.ConsentWarning)

	if !*check {
		return 0
	}

	// Load raw config without the validation gate so consent problems are
	// reported instead of failing the load.
	data, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	errs := config.ConsentErrors(cfg)
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "CONSENT ERROR: %s\n", e.Error())
	}
	for _, w := range config.ConsentWarnings(cfg) {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	if len(errs) > 0 {
		return 1
	}

	fmt.Println("consent state ok")
	return 0
}

const exampleYAML = `# yori gateway configuration
mode: observe # observe | advisory | enforce

listen:
  host: 0.0.0.0
  port: 8443
  # tls:
  #   cert_file: /usr/local/etc/yori/certs/gateway.pem
  #   key_file: /usr/local/etc/yori/certs/gateway.key

endpoints:
  - domain: api.openai.com
  - domain: api.anthropic.com
  - domain: generativelanguage.googleapis.com
  - domain: api.mistral.ai

policies:
  directory: /usr/local/etc/yori/policies
  files:
    bedtime:
      enabled: true
      action: alert # allow | alert | block
      allow_override: true

enforcement:
  enabled: false
  # Run 'yori consent' and read the warning before setting this.
  consent_accepted: false
  allowlist:
    devices: []
    time_exceptions: []
  emergency_override:
    enabled: false
    # password_hash: generate with 'yori hash-password'
  override:
    max_attempts: 3
    window: 1m
    lockout: 5m
    temp_allow_duration: 15m

audit:
  database: /var/db/yori/audit.db
  retention_days: 365
  fallback_log: /var/log/yori/audit-fallback.log

alerts:
  enabled: false
  urls: [] # shoutrrr URLs, e.g. telegram://token@telegram?chats=...
  min_action: block

admin:
  enabled: true
  host: 127.0.0.1
  port: 8081
  auth:
    token_secret: change-me # shared secret for admin API bearer tokens

logging:
  level: info
  format: json
  output: stdout
`
