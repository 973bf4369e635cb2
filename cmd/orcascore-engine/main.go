package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"orcascore/engine/internal/appdirs"
	"orcascore/engine/internal/engine"
	"orcascore/engine/internal/envfile"
	"orcascore/engine/internal/envutil"
	"orcascore/engine/internal/hub"
	"orcascore/engine/internal/logging"
	"orcascore/engine/internal/rpc"
)

func main() {
	var (
		dataDir       string
		settingsPath  string
		debug         bool
		observersAddr string
	)
	flagSet := pflag.NewFlagSet("orcascore-engine", pflag.ContinueOnError)
	flagSet.StringVar(&dataDir, "data-dir", "", "application data directory (default: ORCASCORE_DATA_DIR or the user config dir)")
	flagSet.StringVar(&settingsPath, "settings", "", "settings file (default: <data-dir>/settings.toml)")
	flagSet.BoolVar(&debug, "debug", false, "write debug logs to <data-dir>/logs/engine.log")
	flagSet.StringVar(&observersAddr, "observers-addr", "", "listen address of the observer websocket endpoint")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	envResult := envfile.Load()
	debug = debug || envutil.Bool("ORCASCORE_DEBUG")
	if dataDir == "" {
		dir, err := appdirs.DataDir()
		if err != nil {
			log.Fatalf("engine init failed: %v", err)
		}
		dataDir = dir
	}
	level, levelErr := logLevel(debug)
	logSetup, logErr := logging.NewFileLogger(dataDir, level)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if levelErr != nil {
		logger.Warn("engine.log_level_invalid", "error", levelErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	eng, err := engine.New(
		engine.WithLogger(logger),
		engine.WithDataDir(dataDir),
		engine.WithSettingsPath(settingsPath),
	)
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, logger.With("component", "rpc"))
	eng.SetNotifier(server.Notify)
	eng.Register(server)

	cfg := eng.Settings()
	if observersAddr == "" {
		observersAddr = cfg.Observers.ListenAddr
	}
	if observersAddr != "" {
		secret, err := eng.ObserverSecret()
		var auth *hub.Authenticator
		if err == nil {
			auth, err = hub.NewAuthenticator(secret)
		}
		if err != nil {
			logger.Warn("hub.disabled", "addr", observersAddr, "error", err.Error())
		} else {
			observers := hub.New(logger.With("component", "hub"))
			eng.SetObservers(observers)
			go func() {
				if err := observers.ListenAndServe(ctx, observersAddr, auth); err != nil {
					logger.Error("hub.server_error", "addr", observersAddr, "error", err.Error())
				}
			}()
		}
	}

	go eng.Run(ctx)

	if err := server.Serve(ctx); err != nil {
		logger.Error("rpc.server_error", "error", err.Error())
		log.Fatalf("rpc server error: %v", err)
	}
	logger.Info("engine.shutdown")
}

// logLevel enables file logging when --debug, ORCASCORE_DEBUG or
// ORCASCORE_LOG_LEVEL ask for it. nil leaves logging off.
func logLevel(debug bool) (*slog.Level, error) {
	if debug {
		level := slog.LevelDebug
		return &level, nil
	}
	raw, ok := os.LookupEnv("ORCASCORE_LOG_LEVEL")
	if !ok || raw == "" {
		return nil, nil
	}
	level, err := logging.ParseLevel(raw)
	return &level, err
}
