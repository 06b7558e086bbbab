package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lumabot/cadence/internal/api"
	"github.com/lumabot/cadence/internal/clock"
	"github.com/lumabot/cadence/internal/content"
	"github.com/lumabot/cadence/internal/engine"
	"github.com/lumabot/cadence/internal/lockfile"
	"github.com/lumabot/cadence/internal/messaging"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/prefs"
	"github.com/lumabot/cadence/internal/program"
	"github.com/lumabot/cadence/internal/ritual"
	"github.com/lumabot/cadence/internal/store"
	"github.com/lumabot/cadence/internal/telegram"
	"github.com/lumabot/cadence/internal/util"
)

const (
	// DefaultStateDir is the default directory for cadence state data.
	DefaultStateDir = "/var/lib/cadence"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "cadence.db"
	// DefaultAPIAddr is the default HTTP listen address.
	DefaultAPIAddr = ":8080"
)

func main() {
	initializeLogger()
	cfg := loadEnvironmentConfig()

	stateDir := flag.String("state-dir", cfg.StateDir, "state directory for SQLite data and the lock file")
	dbDSN := flag.String("db-dsn", cfg.DatabaseURL, "database DSN (postgres:// URL or SQLite file path)")
	botToken := flag.String("telegram-token", cfg.TelegramToken, "Telegram bot token (empty: log-only delivery)")
	apiAddr := flag.String("api-addr", cfg.APIAddr, "HTTP API listen address")
	flag.Parse()

	if err := run(*stateDir, *dbDSN, *botToken, *apiAddr, cfg); err != nil {
		slog.Error("cadence failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("cadence exited")
}

// Config holds environment configuration.
type Config struct {
	StateDir      string
	DatabaseURL   string
	TelegramToken string
	APIAddr       string
	PollInterval  time.Duration
	ClaimLimit    int
	RetentionDays int
	SendPerSecond int
	LockDisabled  bool
}

func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Config{
		StateDir:      os.Getenv("CADENCE_STATE_DIR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		APIAddr:       os.Getenv("API_ADDR"),
		PollInterval:  util.ParseDurationEnv("POLL_INTERVAL", 60*time.Second),
		ClaimLimit:    util.ParseIntEnv("CLAIM_LIMIT", 50),
		RetentionDays: util.ParseIntEnv("RETENTION_DAYS", 30),
		SendPerSecond: util.ParseIntEnv("SEND_PER_SECOND", 20),
		LockDisabled:  util.ParseBoolEnv("DISABLE_LOCKFILE", false),
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	slog.Debug("environment loaded",
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DatabaseURL != "",
		"telegram_token_set", cfg.TelegramToken != "",
		"api_addr", cfg.APIAddr,
		"poll_interval", cfg.PollInterval)
	return cfg
}

func run(stateDir, dbDSN, botToken, apiAddr string, cfg Config) error {
	usePostgres := strings.HasPrefix(dbDSN, "postgres://") || strings.HasPrefix(dbDSN, "postgresql://")

	// SQLite deployments get a single-instance guard; Postgres ones rely on
	// row locking and may run several dispatchers.
	if !usePostgres && !cfg.LockDisabled {
		lock, err := lockfile.AcquireLock(stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	var st store.Store
	var err error
	if usePostgres {
		st, err = store.NewPostgresStore(store.WithPostgresDSN(dbDSN))
	} else {
		if dbDSN == "" {
			dbDSN = filepath.Join(stateDir, DefaultDBFileName)
		}
		st, err = store.NewSQLiteStore(store.WithSQLiteDSN(dbDSN))
	}
	if err != nil {
		return err
	}
	defer st.Close()

	var sink messaging.Sink
	if botToken != "" {
		tg, err := telegram.NewSink(botToken)
		if err != nil {
			return err
		}
		sink = messaging.NewRateLimitedSink(tg, float64(cfg.SendPerSecond), cfg.SendPerSecond)
	} else {
		slog.Warn("no Telegram token configured, deliveries go to the log only")
		sink = messaging.LogSink{}
	}

	catalog := defaultCatalog()
	bank := defaultPromptBank()
	prefsProvider := prefs.NewInMemoryProvider()
	clk := clock.System{}

	programs := program.NewService(st, catalog, prefsProvider, clk)
	rituals := ritual.NewRescheduler(st, prefsProvider, clk)

	eng := engine.New(st, sink, prefsProvider, clk, programs, rituals, nil, engine.Config{
		PollInterval:  cfg.PollInterval,
		ClaimLimit:    cfg.ClaimLimit,
		RetentionDays: cfg.RetentionDays,
	})
	eng.RegisterResolver(models.KindMorningCheckin, &engine.CheckinResolver{Bank: bank})
	eng.RegisterResolver(models.KindEveningCheckin, &engine.CheckinResolver{Bank: bank})
	eng.RegisterResolver(models.KindFollowup, &engine.CheckinResolver{Bank: bank})
	eng.RegisterResolver(models.KindProgramTask, &engine.ProgramTaskResolver{Store: st, Catalog: catalog})
	for _, kind := range []models.DeliveryKind{models.KindExpiryReminder7d, models.KindExpiryReminder3d, models.KindExpiryReminder1d} {
		eng.RegisterResolver(kind, &engine.ExpiryResolver{})
	}

	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	server := &http.Server{
		Addr:              apiAddr,
		Handler:           api.NewServer(programs, rituals).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP API listening", "addr", apiAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// defaultCatalog holds the built-in guided programs. Deployments with a
// content pipeline replace this with their own Catalog implementation.
func defaultCatalog() content.Catalog {
	return content.NewStaticCatalog(
		content.Program{
			ID:   "calm7",
			Name: "Seven Days of Calm",
			DayTasks: []string{
				"Take five slow breaths before looking at your phone this morning.",
				"Go for a ten minute walk without headphones.",
				"Write down three things that went well today.",
				"Stretch for five minutes before bed.",
				"Listen to one song with your eyes closed.",
				"Think of one person you are grateful for and tell them.",
				"Spend ten minutes doing nothing at all.",
			},
			Completion: "That's all seven days. Well done for seeing it through.",
		},
	)
}

func defaultPromptBank() content.PromptBank {
	return content.NewStaticPromptBank(map[models.DeliveryKind][]string{
		models.KindMorningCheckin: {
			"Good morning! How are you feeling today?",
			"Morning! What's one thing you're looking forward to today?",
			"Rise and shine. How did you sleep?",
		},
		models.KindEveningCheckin: {
			"How did your day go?",
			"Evening! What was the best part of your day?",
			"Before you wind down, how are you feeling?",
		},
		models.KindFollowup: {
			"It's been a little while. How have you been?",
			"Just thinking of you. How are things?",
		},
	})
}
