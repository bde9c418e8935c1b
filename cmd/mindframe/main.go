package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go/shared"

	"github.com/mindframe-health/mindframe/internal/api"
	"github.com/mindframe-health/mindframe/internal/flow"
	"github.com/mindframe-health/mindframe/internal/genai"
	"github.com/mindframe-health/mindframe/internal/lockfile"
	"github.com/mindframe-health/mindframe/internal/scheduler"
	"github.com/mindframe-health/mindframe/internal/store"
	"github.com/mindframe-health/mindframe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for mindframe state data
	DefaultStateDir = "/var/lib/mindframe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mindframe.db"
	// DefaultSweepInterval is how often the session sweeper runs
	DefaultSweepInterval = 5 * time.Minute
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client, err := buildGenAIClient(config, flags)
	if err != nil {
		slog.Error("Failed to initialize GenAI client", "error", err)
		os.Exit(1)
	}

	orch := flow.NewOrchestrator(st, client,
		flow.WithAdvancementPolicy(buildAdvancementPolicy(config)),
		flow.WithProvider(config.Provider),
	)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if config.SweepEnabled {
		sweeper := scheduler.NewSweeper(st, orch, config.SessionDeadline)
		sweepExpr := "@every " + config.SweepInterval.String()
		if err := sched.AddJob(sweepExpr, sweeper.Sweep); err != nil {
			slog.Error("Failed to schedule session sweeper", "error", err, "expr", sweepExpr)
			os.Exit(1)
		}
	} else {
		slog.Info("Session sweeper disabled by configuration")
	}

	server := api.NewServer(st, orch, api.WithAddr(*flags.apiAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping mindframe",
		"state_dir", *flags.stateDir, "api_addr", *flags.apiAddr,
		"sweep_interval", config.SweepInterval, "session_deadline", config.SessionDeadline)
	if err := server.Run(ctx); err != nil {
		slog.Error("mindframe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("mindframe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DBDriver         string
	DatabaseURL      string
	APIAddr          string
	OpenAIKey        string
	OpenAIModel      string
	Provider         string
	Advancement      string
	MainTherapyTurns int
	LLMTimeout       time.Duration
	SweepEnabled     bool
	SweepInterval    time.Duration
	SessionDeadline  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDriver  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("MINDFRAME_STATE_DIR"),
		DBDriver:         os.Getenv("MINDFRAME_DB_DRIVER"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("MINDFRAME_API_ADDR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		Provider:         os.Getenv("MINDFRAME_PROVIDER"),
		Advancement:      os.Getenv("MINDFRAME_ADVANCEMENT"),
		MainTherapyTurns: util.ParseIntEnv("MINDFRAME_MAIN_THERAPY_TURNS", flow.DefaultMainTherapyTurns),
		LLMTimeout:       util.ParseDurationEnv("MINDFRAME_LLM_TIMEOUT", genai.DefaultTimeout),
		SweepEnabled:     util.ParseBoolEnv("MINDFRAME_SWEEP_ENABLED", true),
		SweepInterval:    util.ParseDurationEnv("MINDFRAME_SWEEP_INTERVAL", DefaultSweepInterval),
		SessionDeadline:  util.ParseDurationEnv("MINDFRAME_SESSION_DEADLINE", scheduler.DefaultSessionDeadline),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MINDFRAME_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"MINDFRAME_STATE_DIR", config.StateDir,
		"MINDFRAME_DB_DRIVER", config.DBDriver,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MINDFRAME_API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"MINDFRAME_ADVANCEMENT", config.Advancement,
		"MINDFRAME_MAIN_THERAPY_TURNS", config.MainTherapyTurns)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for mindframe data (overrides $MINDFRAME_STATE_DIR)"),
		dbDriver:  flag.String("db-driver", config.DBDriver, "database driver, sqlite3 or postgres (overrides $MINDFRAME_DB_DRIVER)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $MINDFRAME_API_ADDR)"),
	}

	flag.Parse()

	// Default to a SQLite file in the state directory when no DSN is given.
	if *flags.dbDSN == "" && !isPostgresDriver(*flags.dbDriver) {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDriver", *flags.dbDriver,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// isPostgresDriver reports whether the configured driver names PostgreSQL.
func isPostgresDriver(driver string) bool {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return true
	}
	return false
}

// isPostgresDSN reports whether a DSN targets PostgreSQL rather than a
// SQLite file path.
func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=")
}

// buildStore selects and initializes the storage backend.
func buildStore(flags Flags) (store.Store, error) {
	if isPostgresDriver(*flags.dbDriver) || isPostgresDSN(*flags.dbDSN) {
		slog.Debug("Configuring PostgreSQL store", "dsn_set", *flags.dbDSN != "")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildRegistry assembles the provider registry: the default provider gets
// the configured model, and a non-default MINDFRAME_PROVIDER is registered
// under its own id so orchestrator completions can target it.
func buildRegistry(config Config) *genai.Registry {
	registry := genai.NewRegistry()
	if config.OpenAIModel != "" {
		registry.SetDefaultModel(shared.ChatModel(config.OpenAIModel))
	}
	if config.Provider != "" && config.Provider != genai.DefaultProviderID {
		spec, _ := registry.Get(genai.DefaultProviderID)
		registry.Register(config.Provider, spec)
	}
	return registry
}

// buildGenAIClient initializes the completion client with key, timeout, and
// model overrides.
func buildGenAIClient(config Config, flags Flags) (*genai.Client, error) {
	registry := buildRegistry(config)

	opts := []genai.ClientOption{
		genai.WithRegistry(registry),
		genai.WithTimeout(config.LLMTimeout),
	}
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.Provider != "" {
		opts = append(opts, genai.WithDefaultProvider(config.Provider))
	}
	return genai.NewClient(opts...)
}

// buildAdvancementPolicy selects the phase advancement policy. The marker
// policy advances on a model-embedded token; the default counts user turns.
func buildAdvancementPolicy(config Config) flow.AdvancementPolicy {
	if strings.EqualFold(config.Advancement, "marker") {
		slog.Debug("Using marker advancement policy")
		return flow.NewMarkerPolicy()
	}
	return flow.NewTurnCountPolicy(config.MainTherapyTurns)
}
