package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shpitdev/order-extraction-pipeline/internal/app"
	"github.com/shpitdev/order-extraction-pipeline/internal/config"
	"github.com/shpitdev/order-extraction-pipeline/internal/logging"
	"github.com/shpitdev/order-extraction-pipeline/internal/version"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/redact"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "serve":
		code = runServe(ctx, os.Args[2:])
	case "run":
		code = runOnce(ctx, os.Args[2:])
	case "migrate":
		code = runMigrate(ctx, os.Args[2:])
	case "import":
		code = runImport(ctx, os.Args[2:])
	case "export":
		code = runExport(ctx, os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

func runServe(ctx context.Context, args []string) int {
	cfg, logger, ok := loadConfig()
	if !ok {
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.Server.ListenAddr, "listen", cfg.Server.ListenAddr, "HTTP listen address (env: LISTEN_ADDR)")
	fs.DurationVar(&cfg.Server.PollInterval, "poll-interval", cfg.Server.PollInterval, "Run periodically at this interval, 0 disables (env: POLL_INTERVAL)")
	addPipelineFlags(fs, &cfg)
	migrate := fs.Bool("migrate", false, "Apply the schema before serving")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Migrate: *migrate})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "startup failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	defer func() {
		_ = a.Close()
	}()

	if err := a.Serve(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "serve failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runOnce(ctx context.Context, args []string) int {
	cfg, logger, ok := loadConfig()
	if !ok {
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addPipelineFlags(fs, &cfg)
	migrate := fs.Bool("migrate", false, "Apply the schema before running")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Migrate: *migrate})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "startup failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	defer func() {
		_ = a.Close()
	}()

	sum, err := a.RunOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "run=%s fetched=%d processed=%d failed=%d released=%d lost=%d orders=%d duration=%s\n",
		sum.RunID, sum.Fetched, sum.Processed, sum.Failed, sum.Released, sum.Lost, sum.Orders, sum.Duration.Round(time.Millisecond))
	return 0
}

func runMigrate(ctx context.Context, args []string) int {
	cfg, logger, ok := loadConfig()
	if !ok {
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.Database.Driver, "driver", cfg.Database.Driver, "Database driver: postgres or sqlite (env: DB_DRIVER)")
	fs.StringVar(&cfg.Database.Path, "db-path", cfg.Database.Path, "SQLite database file (env: DB_PATH)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return configError(err)
	}

	if err := app.Migrate(ctx, cfg.Database, logger); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "migrate failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runImport(ctx context.Context, args []string) int {
	cfg, logger, ok := loadConfig()
	if !ok {
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	inputPath := fs.String("input", "", "CSV file with sender, body and date columns")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *inputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "import requires --input")
		return 2
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return configError(err)
	}

	f, err := os.Open(*inputPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := app.ImportEmails(ctx, cfg.Database, f, logger); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "import failed, nothing written: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runExport(ctx context.Context, args []string) int {
	cfg, logger, ok := loadConfig()
	if !ok {
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	outputPath := fs.String("output", "", "Output CSV file path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "export requires --output")
		return 2
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return configError(err)
	}

	f, err := os.Create(*outputPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = f.Close()
	}()

	n, err := app.ExportOrders(ctx, cfg.Database, f)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "export failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	if err := f.Close(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		return 1
	}
	logger.Info("orders exported", zap.Int("count", n), zap.String("path", *outputPath))
	return 0
}

func addPipelineFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Extract.Provider, "provider", cfg.Extract.Provider, "Extraction provider: openai or gemini (env: EXTRACT_PROVIDER)")
	fs.StringVar(&cfg.Extract.OpenAI.Model, "openai-model", cfg.Extract.OpenAI.Model, "OpenAI-compatible model name (env: OPENAI_MODEL)")
	fs.StringVar(&cfg.Extract.Gemini.Model, "gemini-model", cfg.Extract.Gemini.Model, "Gemini model name (env: GEMINI_MODEL)")
	fs.IntVar(&cfg.Pipeline.MaxRetries, "max-retries", cfg.Pipeline.MaxRetries, "Max retries per email for transient failures (env: MAX_RETRIES)")
	fs.DurationVar(&cfg.Pipeline.RequestTimeout, "request-timeout", cfg.Pipeline.RequestTimeout, "Per-call extraction timeout (env: REQUEST_TIMEOUT)")
	fs.Float64Var(&cfg.Pipeline.RateLimitRPS, "rate-limit-rps", cfg.Pipeline.RateLimitRPS, "Extraction rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.IntVar(&cfg.Database.MaxAttempts, "max-attempts", cfg.Database.MaxAttempts, "Claims per email before it stays failed, <0 unbounded (env: MAX_ATTEMPTS)")
}

func loadConfig() (config.Config, *zap.Logger, bool) {
	cfg, err := config.Load()
	if err != nil {
		configError(err)
		return config.Config{}, nil, false
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		configError(err)
		return config.Config{}, nil, false
	}
	return cfg, logger.With(zap.String("version", version.Current)), true
}

func configError(err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
	return 2
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `orderpipe: extract purchase orders from stored emails

Usage:
  orderpipe <command> [flags]

Commands:
  serve    Serve the HTTP trigger (GET/POST /process-orders, /health, /metrics)
  run      Process the pending emails once and exit
  migrate  Create the raw_emails and orders tables
  import   Load emails from a sender/body/date CSV as pending records
  export   Write all stored orders to a CSV file
  version  Print the version

Examples:
  orderpipe migrate
  orderpipe import --input emails.csv
  orderpipe serve --listen :5000 --poll-interval 5m
  DB_DRIVER=sqlite DB_PATH=orders.db orderpipe run --provider gemini

Environment (store):
  DB_DRIVER      postgres (default) or sqlite
  DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE
  DB_PATH        SQLite database file
  MAX_ATTEMPTS   Claims per email before it stays failed (default 5)
  CLAIM_LEASE    How long an in_progress claim is honored (default 15m)

Environment (extraction):
  EXTRACT_PROVIDER  openai (Groq-compatible, default) or gemini
  GROQ_API_KEY      API key for the openai provider (OPENAI_API_KEY also accepted)
  OPENAI_BASE_URL   Base URL (default https://api.groq.com/openai/v1)
  OPENAI_MODEL      Model name (default llama3-70b-8192)
  GEMINI_API_KEY    Gemini API key
  GEMINI_MODEL      Gemini model name (default gemini-2.0-flash)
  MAX_RETRIES       Retries for transient failures (default 2)

Other:
  ORDERPIPE_CONFIG  Optional YAML config file
  LOG_LEVEL, LOG_FORMAT (json|console)

`)
}
