package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/log"
	"github.com/viking-gps/bgpool/internal/model"
	"github.com/viking-gps/bgpool/internal/service"
	"github.com/viking-gps/bgpool/internal/settings"
)

const shutdownTimeout = 10 * time.Second

var (
	userConfigPath string // /default/config/path/bgpool on given OS
	userCachePath  string // lock file lives here
	settingsPath   string // actual settings file used
	config         settings.Settings

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagOneshot        bool   // value of run --oneshot flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "bgpool")

	d, err = os.UserCacheDir()
	if err != nil {
		panic(err)
	}
	userCachePath = filepath.Join(d, "bgpool")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Settings file to load - default is "+settings.FileName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().BoolVar(&flagOneshot, "oneshot", false, "run every job once and exit, schedules are ignored")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create settings, setup logging
	rootCmd.PersistentPreRunE = initBgpool

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("bgpool failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bgpool",
	Short:        "Runs download, checksum and render jobs on background worker pools",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run PLAN",
	Short: "run reads the plan and executes its jobs until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs PLAN",
	Short: "jobs validates the plan and lists its jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  doJobs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a bgpool",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("bgpool: version info not available")
			return
		}

		if settingsPath != "" {
			fmt.Printf("config: %s\n", settingsPath)
		}
		fmt.Printf("bgpool: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	plan, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	unlock, err := lock()
	if err != nil {
		return err
	}
	defer unlock()

	attrs := slog.Group("bgpool",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	engine, err := background.New(config.PoolConfigs()...)
	if err != nil {
		return err
	}
	engine.RegisterListener(service.NewConsole(os.Stderr))
	if err := engine.Start(ctx); err != nil {
		return err
	}

	supervisor := service.NewSupervisor(engine, *plan,
		service.WithOneshot(flagOneshot),
		service.WithStdout(os.Stdout),
	)
	runErr := supervisor.Do(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	for _, s := range engine.Stats() {
		slog.InfoContext(ctx, "pool stats",
			"category", s.Category.String(),
			"max_threads", s.MaxThreads,
			"completed", s.Completed,
			"cancelled", s.Cancelled,
			"faulted", s.Faulted,
		)
	}
	return runErr
}

func doJobs(cmd *cobra.Command, args []string) error {
	plan, err := loadPlan(args[0])
	if err != nil {
		return err
	}
	return printJobs(cmd.OutOrStdout(), plan)
}

func loadPlan(path string) (*model.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	plan, err := model.LoadPlan(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid plan", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return plan, nil
}

// lock makes sure a single run host uses the cache dir.
func lock() (func(), error) {
	if err := os.MkdirAll(userCachePath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", userCachePath, err)
	}
	path := filepath.Join(userCachePath, "run.lock")
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another bgpool run holds %s", path)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Error("releasing lock", "path", path, "error", err)
		}
	}, nil
}

func initBgpool(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("BGPOOLCONFIG"); ok {
		settingsPath = envConfig
	} else if flagConfigFilePath != "" {
		settingsPath = flagConfigFilePath
	} else {
		settingsPath = settings.Locate(userConfigPath, ".")
	}

	// store default settings
	if settingsPath == "" {
		settingsPath = filepath.Join(userConfigPath, settings.FileName)
		if err := settings.WriteFile(settingsPath, settings.Default()); err != nil {
			return fmt.Errorf("storing settings: %w", err)
		}
	}

	var err error
	config, err = settings.Load(settingsPath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over settings file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))
	slog.Debug("bgpool run", "settingsPath", settingsPath)
	slog.Debug("bgpool run", "settings", config)
	return nil
}
