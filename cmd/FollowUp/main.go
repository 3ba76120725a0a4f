package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FollowUp/internal/api"
	"github.com/BTreeMap/FollowUp/internal/delivery"
	"github.com/BTreeMap/FollowUp/internal/lockfile"
	"github.com/BTreeMap/FollowUp/internal/messaging"
	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/scheduler"
	"github.com/BTreeMap/FollowUp/internal/sequence"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/twiliosms"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FollowUp state data
	DefaultStateDir = "/var/lib/followup"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "followup.db"
	// processJobName names the scheduled processing pass in logs.
	processJobName = "process-sequences"
)

// Config holds environment configuration.
type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL"`
	StateDir        string        `env:"FOLLOWUP_STATE_DIR" envDefault:"/var/lib/followup"`
	APIAddr         string        `env:"API_ADDR" envDefault:":8080"`
	ProcessSchedule string        `env:"PROCESS_SCHEDULE" envDefault:"@every 1m"`
	BatchSize       int           `env:"PROCESS_BATCH_SIZE" envDefault:"100"`
	ClaimTimeout    time.Duration `env:"CLAIM_TIMEOUT" envDefault:"10m"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"`
	WebhookSecret   string        `env:"WEBHOOK_SECRET"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`

	TwilioAccountSID        string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken         string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber        string `env:"TWILIO_FROM_NUMBER"`
	TwilioStatusCallbackURL string `env:"TWILIO_STATUS_CALLBACK_URL"`
}

func main() {
	config, err := loadEnvironmentConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	config, err = parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FollowUp", "api_addr", config.APIAddr, "schedule", config.ProcessSchedule,
		"store", store.DetectDSNType(config.DatabaseURL))
	if err := run(ctx, config); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("FollowUp failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FollowUp exited successfully")
}

// initializeLogger installs a text slog handler at the named level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads .env (when present) and parses the environment.
// Without DATABASE_URL the store is SQLite inside the state directory.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	return config, nil
}

// parseCommandLineFlags applies flag overrides on top of the environment.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	out := config
	fs.StringVar(&out.StateDir, "state-dir", config.StateDir, "state directory for FollowUp data (overrides $FOLLOWUP_STATE_DIR)")
	fs.StringVar(&out.DatabaseURL, "db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&out.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&out.ProcessSchedule, "process-schedule", config.ProcessSchedule, "cron expression for processing passes (overrides $PROCESS_SCHEDULE)")
	fs.IntVar(&out.BatchSize, "batch-size", config.BatchSize, "messages claimed per tenant pass (overrides $PROCESS_BATCH_SIZE)")
	fs.StringVar(&out.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// A new state dir moves the default SQLite file with it.
	if out.DatabaseURL == defaultDSN && out.StateDir != config.StateDir {
		out.DatabaseURL = filepath.Join(out.StateDir, DefaultDBFileName)
	}
	if out.BatchSize <= 0 {
		return Config{}, fmt.Errorf("batch size must be positive, got %d", out.BatchSize)
	}
	return out, nil
}

// usesSQLite reports whether the configured store is a local SQLite file.
func (c Config) usesSQLite() bool {
	return store.DetectDSNType(c.DatabaseURL) != "postgres"
}

// buildStoreOptions constructs store configuration options.
func buildStoreOptions(config Config) []store.Option {
	if !config.usesSQLite() {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildSenders returns the channel registry. A channel without provider
// credentials falls back to a logging mock so the engine still runs.
func buildSenders(config Config) (*messaging.Registry, error) {
	var emailSvc messaging.Service
	if config.SMTPHost != "" && config.SMTPFrom != "" {
		svc, err := messaging.NewEmailService(
			messaging.NewSMTPDialer(config.SMTPHost, config.SMTPPort, config.SMTPUsername, config.SMTPPassword),
			config.SMTPFrom)
		if err != nil {
			return nil, fmt.Errorf("configure email: %w", err)
		}
		emailSvc = svc
	} else {
		slog.Warn("SMTP not configured; email sends are recorded but not delivered")
		emailSvc = messaging.NewMockService(models.ChannelEmail)
	}

	var smsSvc messaging.Service
	if config.TwilioAccountSID != "" && config.TwilioAuthToken != "" {
		client, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(config.TwilioAccountSID),
			twiliosms.WithAuthToken(config.TwilioAuthToken),
			twiliosms.WithFromNumber(config.TwilioFromNumber),
			twiliosms.WithStatusCallback(config.TwilioStatusCallbackURL),
		)
		if err != nil {
			return nil, fmt.Errorf("configure twilio: %w", err)
		}
		smsSvc = messaging.NewSMSService(client)
	} else {
		slog.Warn("Twilio not configured; SMS sends are recorded but not delivered")
		smsSvc = messaging.NewMockService(models.ChannelSMS)
	}
	return messaging.NewRegistry(emailSvc, smsSvc), nil
}

// buildAPIOptions constructs API server configuration options.
func buildAPIOptions(config Config) []api.Option {
	opts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithBatchSize(config.BatchSize),
	}
	if config.WebhookSecret != "" {
		opts = append(opts, api.WithWebhookSecret(config.WebhookSecret))
	}
	if config.PublicBaseURL != "" {
		opts = append(opts, api.WithPublicBaseURL(strings.TrimRight(config.PublicBaseURL, "/")))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, api.WithTwilioValidator(twiliosms.NewSignatureValidator(config.TwilioAuthToken)))
	}
	return opts
}

// buildServer wires the engine over st and returns the API server and the
// processor the scheduler drives.
func buildServer(config Config, st store.Store, senders *messaging.Registry) (*api.Server, *sequence.Processor) {
	seqOpts := []sequence.Option{
		sequence.WithPublicBaseURL(config.PublicBaseURL),
		sequence.WithClaimTimeout(config.ClaimTimeout),
	}
	manager := sequence.NewEnrollmentManager(st, seqOpts...)
	processor := sequence.NewProcessor(st, senders, seqOpts...)
	srv := api.NewServer(api.Services{
		Templates:   sequence.NewTemplateService(st, seqOpts...),
		Definitions: sequence.NewDefinitionService(st, seqOpts...),
		Enrollments: manager,
		Processor:   processor,
		Contacts:    sequence.NewStoreResolver(st, seqOpts...),
		Reconciler:  delivery.NewReconciler(st, manager),
	}, buildAPIOptions(config)...)
	return srv, processor
}

// processJob runs one pass over every tenant with due messages.
func processJob(processor *sequence.Processor, batchSize int) scheduler.Job {
	return func(ctx context.Context) error {
		results, err := processor.ProcessAllTenants(ctx, batchSize)
		if err != nil {
			return err
		}
		for tenantID, res := range results {
			if res.Claimed > 0 {
				slog.Info("processJob: tenant pass", "tenant", tenantID, "claimed", res.Claimed,
					"sent", res.Processed, "failed", res.Failed, "skipped", res.Skipped, "requeued", res.Requeued)
			}
		}
		return nil
	}
}

// run serves until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	if config.usesSQLite() {
		lock, err := lockfile.AcquireLock(filepath.Dir(config.DatabaseURL))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	senders, err := buildSenders(config)
	if err != nil {
		return err
	}
	srv, processor := buildServer(config, st, senders)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(config.ProcessSchedule, processJobName, processJob(processor, config.BatchSize)); err != nil {
		return fmt.Errorf("schedule processing: %w", err)
	}
	return srv.Run(ctx)
}
