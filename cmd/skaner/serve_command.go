package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/config"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/feedback"
	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/logging"
	"github.com/tiroq/skaner/internal/pidfile"
	"github.com/tiroq/skaner/internal/pricesink"
	"github.com/tiroq/skaner/internal/result"
	"github.com/tiroq/skaner/internal/scanner"
	"github.com/tiroq/skaner/internal/server"
	"github.com/tiroq/skaner/internal/shellcache"
	"github.com/tiroq/skaner/internal/target"
	"github.com/tiroq/skaner/internal/validation"
	"github.com/tiroq/skaner/web"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner daemon and the web shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			logger, closer, err := ctx.logger(true)
			if err != nil {
				return err
			}
			defer closer.Close()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting skaner", logging.String("version", Version), logging.Int("pid", os.Getpid()))

	diaglog.Version = Version
	diag, err := diaglog.New(cfg.DiagLogPath(), cfg.Logging.Diagnostics)
	if err != nil {
		logger.Warn("diagnostic log unavailable", logging.Error(err))
		diag = diaglog.NewNoOp()
	}
	defer diag.Close()

	pf, err := pidfile.New(cfg.PIDPath())
	if err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			return fmt.Errorf("%w; stop it with `skaner cmd quit`", err)
		}
		return fmt.Errorf("pid file: %w", err)
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Warn("remove pid file", logging.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, ok := validation.CheckEnvironment(ctx, cfg, validation.Env{})
	for _, r := range results {
		if !r.OK {
			logger.Warn("environment check failed", logging.String("check", r.Name), logging.String("message", r.Message))
		}
	}
	if !ok {
		logger.Warn("continuing with a degraded environment; run `skaner check` for details")
	}

	enum := camera.SysfsEnumerator{Root: cfg.Camera.SysfsRoot}
	src := camera.NewFFmpegSource(enum, logger)
	src.FFmpegPath = cfg.Camera.FFmpegBinary
	src.V4L2CtlPath = cfg.Camera.V4L2CtlBinary
	src.InputFormat = cfg.Camera.InputFormat
	src.StartupTimeout = cfg.StartupTimeout()

	var sinks []feedback.Sink
	if cfg.Feedback.TerminalBell && isTerminal(os.Stdout) {
		sinks = append(sinks, feedback.BellSink{W: os.Stdout})
	}
	fb := feedback.NewScheduler(feedback.Options{
		ToneHz:    cfg.Feedback.ToneHz,
		ToneMs:    cfg.Feedback.ToneMs,
		VibrateMs: cfg.Feedback.VibrateMs,
		Flash:     cfg.Feedback.Flash,
		Logger:    logger,
	}, sinks...)
	fb.Start()
	defer fb.Stop()

	submitter, closeSink := openSink(ctx, cfg, logger, diag)
	defer closeSink()

	ctrl, err := scanner.New(scanner.Options{
		Session:    camera.NewSession(src, logger),
		Enumerator: enum,
		Probe: func() decoder.Decoder {
			return decoder.Probe(decoder.ProbeOptions{Prefer: cfg.Decoder.Prefer, ZbarBinary: cfg.Decoder.ZbarBinary, Logger: logger})
		},
		Selector: target.Selector{Margin: cfg.Target.FallbackMarginPx},
		Tracker:  target.NewTracker(cfg.Target.WidthFraction, cfg.Target.HeightFraction),
		Debouncer: result.NewDebouncer(result.Options{
			MinDigits:         cfg.Scanner.MinDigits,
			MaxDigits:         cfg.Scanner.MaxDigits,
			ContinuousReoffer: cfg.Scanner.ContinuousReoffer,
		}),
		Feedback: fb,
		Constraints: camera.Constraints{
			Width:           cfg.Camera.Width,
			Height:          cfg.Camera.Height,
			FPS:             cfg.Camera.FPS,
			ContinuousFocus: cfg.Camera.ContinuousFocus,
		},
		PreferredDevice: cfg.Camera.Device,
		NativeInterval:  cfg.NativeInterval(),
		DecodeTimeout:   cfg.DecodeTimeout(),
		SnapshotDir:     cfg.Scanner.SnapshotDir,
		OnResult: func(res result.ScanResult, outcome result.Outcome) {
			logger.Info("code", logging.String(logging.FieldCode, res.Code), logging.String("type", res.Type),
				logging.String("source", res.Source), logging.String("outcome", outcome.String()))
		},
		Version: Version,
		Logger:  logger,
		Diag:    diag,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	shell, err := openShell(ctx, cfg, logger, diag)
	if err != nil {
		return err
	}
	defer shell.Close()

	srv, err := server.New(server.Options{
		Controller:          ctrl,
		Shell:               shell,
		Sink:                submitter,
		Marketplace:         cfg.Search.Marketplace,
		RequireSecureRemote: cfg.Server.RequireSecureRemote,
		OnQuit:              stop,
		Logger:              logger,
		Diag:                diag,
	})
	if err != nil {
		return err
	}
	fb.AddSink(srv.Hub())

	monitor := camera.NewMonitor(logger, func(ctx context.Context) { _ = ctrl.Refresh(ctx) })
	if err := monitor.Start(ctx); err != nil {
		logger.Warn("device hotplug monitor unavailable", logging.Error(err))
	}
	defer monitor.Stop()

	var lastAction atomic.Value
	watcher := ipc.NewWatcher(cfg.Paths.StateDir, func(req ipc.Request) {
		lastAction.Store(req.String())
		if err := srv.Dispatch(ctx, req); err != nil {
			logger.Warn("command failed", logging.String("command", req.String()), logging.Error(err))
		}
	}, logger)
	go watcher.Run(ctx)
	go writeStatus(ctx, cfg.Paths.StateDir, ctrl, &lastAction, logger)

	if err := ctrl.Refresh(ctx); err != nil {
		logger.Warn("initial device enumeration failed", logging.Error(err))
	}
	if cfg.Scanner.Autostart {
		if err := ctrl.AutoStart(ctx); err != nil {
			logger.Warn("autostart failed", logging.Error(err))
		}
	}

	err = srv.ListenAndServe(ctx, cfg.Server.Bind)
	logger.Info("skaner stopped")
	return err
}

func openSink(ctx context.Context, cfg *config.Config, logger *slog.Logger, diag *diaglog.Logger) (pricesink.Submitter, func()) {
	noop := func() {}
	if cfg.Sink.Driver == pricesink.DriverNone {
		return pricesink.Noop{}, noop
	}
	userID, err := pricesink.LoadOrCreateUserID(cfg.UserIDPath())
	if err != nil {
		logger.Warn("price sink disabled", logging.Error(err))
		return pricesink.Noop{}, noop
	}
	store, err := pricesink.Open(ctx, pricesink.Options{
		Driver:    cfg.Sink.Driver,
		DSN:       cfg.Sink.DSN,
		UserID:    userID,
		TTL:       cfg.SinkTTL(),
		PerMinute: cfg.Sink.PerMinute,
		Logger:    logger,
		Diag:      diag,
	})
	if err != nil {
		logger.Warn("price sink disabled", logging.Error(err))
		return pricesink.Noop{}, noop
	}
	return store, func() { _ = store.Close() }
}

func openShell(ctx context.Context, cfg *config.Config, logger *slog.Logger, diag *diaglog.Logger) (*shellcache.Cache, error) {
	var fetcher shellcache.Fetcher = shellcache.FSFetcher{FS: web.FS()}
	if cfg.Shell.Origin != "" {
		fetcher = shellcache.HTTPFetcher{Origin: cfg.Shell.Origin}
	}
	shell, err := shellcache.New(shellcache.Options{
		Name:       cfg.Shell.CacheName,
		Dir:        cfg.Shell.CacheDir,
		Manifest:   cfg.Shell.Manifest,
		HotEntries: cfg.Shell.HotEntries,
		Fetcher:    fetcher,
		Logger:     logger,
		Diag:       diag,
	})
	if err != nil {
		return nil, err
	}
	if err := shell.Install(ctx); err != nil {
		logger.Warn("shell cache install failed", logging.Error(err), logging.Bool("previous_copy", shell.Installed()))
		return shell, nil
	}
	if removed, err := shell.Activate(); err != nil {
		logger.Warn("shell cache activation failed", logging.Error(err))
	} else if len(removed) > 0 {
		logger.Info("old shell caches removed", logging.Any("names", removed))
	}
	return shell, nil
}
