package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/l1jgo/tickengine/internal/config"
	"github.com/l1jgo/tickengine/internal/core/ecs"
	coresys "github.com/l1jgo/tickengine/internal/core/system"
	"github.com/l1jgo/tickengine/internal/core/trigger"
	"github.com/l1jgo/tickengine/internal/data"
	"github.com/l1jgo/tickengine/internal/persist"
	"github.com/l1jgo/tickengine/internal/scripting"
	"github.com/l1jgo/tickengine/internal/system"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

var numbers = message.NewPrinter(language.English)

func printBanner(configPath string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             tickengine  v0.1.0            \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m     entity-component task scheduler       \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mconfig:\033[0m %s\n\n", configPath)
}

func printSection(title string) {
	lineLen := max(46-len(title)-1, 3)
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := numbers.Sprintf("%d", count)
	dotsLen := max(42-len(label)-len(numStr), 3)
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Engine ─────────────────────────────────────────────────────────

func run() error {
	// 1. Environment and config
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfgPath := "config/engine.toml"
	if p := os.Getenv("TICKENGINE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfgPath)

	// 3. Storage
	printSection("storage")
	world := ecs.NewWorld()
	if err := system.Install(world, system.DefaultSettings()); err != nil {
		return fmt.Errorf("install world: %w", err)
	}
	printStat("slots", len(world.Slots()))
	fmt.Println()

	// 4. Schedule
	printSection("schedule")
	scripts := scripting.NewEngine(log)
	defer scripts.Close()

	manifest, err := data.LoadManifest(cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	reg := coresys.NewRegistry(world)
	if err := manifest.Register(reg, system.Bodies(), scripts, cfg.Manifest.ScriptsDir); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	printStat("manifest tasks", manifest.Count())
	printStat("lua scripts", scripts.Count())

	present := newPresenter(log)
	defer present.close()
	reg.Add(present.task())

	opts := []coresys.Option{
		coresys.WithLogger(log),
		coresys.WithConfig(schedulerConfig(cfg.Scheduler)),
		coresys.WithRepeatedFailureHook(func(f coresys.TaskFailure) {
			log.Error("task keeps failing",
				zap.String("task", f.Task),
				zap.Stringer("phase", f.Phase),
				zap.Int("consecutive", f.Consecutive),
				zap.Error(f.Err))
		}),
	}

	// 5. Optional run journal
	var journal *persist.Journal
	if cfg.Journal.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := persist.NewDB(ctx, cfg.Journal, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		applied, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printStat("journal migrations applied", applied)

		journal = persist.NewJournal(db, log)
		reg.Add(coresys.Task{
			Name:  "journal.flush",
			Phase: coresys.PhaseLongUpdate,
			Run:   journal.FlushTask(cfg.Journal.FlushInterval),
		})
		opts = append(opts, coresys.WithFailureSink(journal))
	}

	sched, err := coresys.New(reg, opts...)
	if err != nil {
		return fmt.Errorf("resolve schedule: %w", err)
	}
	plan := sched.Plan()
	printStat("tasks", plan.Len())
	for _, ph := range coresys.Phases {
		printStat(ph.String()+" waves", len(plan.Waves(ph)))
	}
	fmt.Println()
	log.Info("plan resolved", zap.Stringer("fingerprint", plan.Fingerprint()))
	for _, line := range strings.Split(strings.TrimSpace(plan.Describe()), "\n") {
		log.Debug("plan", zap.String("waves", line))
	}

	if journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := journal.Start(ctx, plan.Fingerprint().String(), plan.Len())
		cancel()
		if err != nil {
			return err
		}
		log.Info("journal run started", zap.String("run_id", journal.RunID().String()))
	}

	// 6. Presenter handshake, then the loop
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ready := trigger.New()
	waitReady := ready.AddReader()
	go present.run(ctx, ready)
	if err := waitReady.ReadContext(ctx); err != nil {
		return fmt.Errorf("presenter: %w", err)
	}

	printSection("running")
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	printReady(fmt.Sprintf("fixed step %s, frame %s, %d workers",
		cfg.Scheduler.FixedDelta, cfg.Scheduler.FrameRate, workers))
	fmt.Println()

	runErr := sched.Run(ctx)
	log.Info("engine stopped", zap.Uint64("frames", sched.Frame()), zap.Int("setups", sched.SetupRuns()))

	if journal != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := journal.Finish(fctx, sched.Frame()); err != nil {
			log.Error("journal finish", zap.Error(err))
		}
	}

	if errors.Is(runErr, coresys.ErrStopped) {
		log.Warn("scheduler stopped itself after repeated task failures")
		return nil
	}
	return runErr
}

func schedulerConfig(c config.SchedulerConfig) coresys.Config {
	return coresys.Config{
		FixedDelta:            c.FixedDelta,
		FrameRate:             c.FrameRate,
		Workers:               c.Workers,
		MaxFixedSteps:         c.MaxFixedSteps,
		FailureThreshold:      c.FailureThreshold,
		StopOnRepeatedFailure: c.StopOnRepeatedFailure,
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
