package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"devbridge/internal/bridge"
	"devbridge/internal/config"
	"devbridge/internal/device"
	"devbridge/internal/hostapi"
	"devbridge/internal/logging"
	"devbridge/internal/reload"
	"devbridge/internal/session"
	"devbridge/internal/store"
	"devbridge/internal/tools"
	"devbridge/internal/transport"
)

var simulate bool

// serveCmd hosts the devbridge objects over stdio
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve device sessions over stdio",
	Long: `Hosts the "session" and "tools" objects on a newline-delimited JSON
bridge over stdin/stdout. Runs until stdin closes or a signal arrives.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfgPath := resolveConfigPath(ws)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if simulate {
		cfg.Session.Controller = config.ControllerSimulator
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	if err := logging.Initialize(ws, cfg.Logging.ToLogging()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(ws, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := tools.NewRegistry(st)
	for _, pc := range cfg.Tools.Plugins {
		if err := registry.Register(ctx, newPlugin(ws, cfg.Session.Shell, pc)); err != nil {
			return fmt.Errorf("failed to register plugin %s: %w", pc.ID, err)
		}
	}

	ctrl := newController(ws, cfg)
	manager := session.NewManager(ctrl, st, registry)
	runner := reload.NewRunner(ctrl, reload.Config{
		AppLoadTimeout:  cfg.GetAppLoadTimeout(),
		PollInterval:    cfg.GetPollInterval(),
		MaxPollInterval: cfg.GetMaxPollInterval(),
	})

	ep := bridge.NewEndpoint(transport.NewStreamTransport(os.Stdin, os.Stdout))
	host, err := bridge.NewHost(ep, bridge.WithWorkers(cfg.Bridge.Workers))
	if err != nil {
		_ = ep.Close()
		return err
	}
	sessionsAPI := hostapi.BindSessions(host, manager, runner)
	toolsAPI := hostapi.BindTools(host, registry)

	watcher, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		logging.Apply(c.Logging.ToLogging())
		logger.Info("Config reloaded", zap.String("path", cfgPath))
	})
	if err == nil {
		err = watcher.Start(ctx)
	}
	if err != nil {
		logger.Warn("Config watcher disabled", zap.Error(err))
		watcher = nil
	}

	logger.Info("devbridge serving",
		zap.String("workspace", ws),
		zap.String("controller", cfg.Session.Controller),
		zap.String("platform", ctrl.Platform()),
		zap.Int("plugins", len(cfg.Tools.Plugins)))

	select {
	case <-ep.Done():
		logger.Info("Peer closed the connection")
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sessionsAPI.Close()
	toolsAPI.Close()

	var g errgroup.Group
	g.Go(func() error { return manager.Dispose(shutdownCtx) })
	g.Go(func() error {
		if watcher != nil {
			watcher.Stop()
		}
		return nil
	})
	shutdownErr := g.Wait()

	if err := host.Close(); err != nil {
		logger.Warn("Host close", zap.Error(err))
	}
	if err := ep.Close(); err != nil {
		logger.Debug("Endpoint close", zap.Error(err))
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return nil
}

// openStore opens the configured settings store and returns its closer.
func openStore(ws string, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Driver == config.StoreMemory {
		return store.NewMemory(), func() {}, nil
	}
	path := cfg.Store.Path
	if path != ":memory:" && !filepath.IsAbs(path) {
		path = filepath.Join(ws, path)
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			logger.Warn("Store close", zap.Error(err))
		}
	}, nil
}

// newController builds the configured device controller.
func newController(ws string, cfg *config.Config) session.DeviceController {
	sc := cfg.Session
	if sc.Controller == config.ControllerSimulator {
		return device.NewSimulator(device.SimulatorConfig{
			Platform:   sc.Platform,
			Delay:      cfg.GetSimulatorDelay(),
			BuildSteps: sc.Simulator.BuildSteps,
			LoadAfter:  sc.Simulator.LoadAfter,
		})
	}

	workDir := sc.WorkDir
	if !filepath.IsAbs(workDir) {
		workDir = filepath.Join(ws, workDir)
	}
	return device.NewScriptController(device.ScriptConfig{
		Platform:   sc.Platform,
		Shell:      sc.Shell,
		WorkDir:    workDir,
		Timeout:    cfg.GetCommandTimeout(),
		PreviewURL: sc.PreviewURL,
		Commands:   sc.Commands,
	})
}

// newPlugin turns a declared plugin into a registry plugin. Opening runs
// the configured command in the background.
func newPlugin(ws, shell string, pc config.PluginConfig) tools.Plugin {
	label := pc.Label
	if label == "" {
		label = pc.ID
	}
	p := &tools.FuncPlugin{
		PluginID:    pc.ID,
		PluginLabel: label,
		OnActivate: func() {
			logger.Debug("Plugin activated", zap.String("plugin", pc.ID))
		},
		OnDeactivate: func() {
			logger.Debug("Plugin deactivated", zap.String("plugin", pc.ID))
		},
	}
	if pc.OpenCommand != "" {
		p.OnOpen = func() {
			if shell == "" {
				shell = "/bin/sh"
			}
			c := exec.Command(shell, "-c", pc.OpenCommand)
			c.Dir = ws
			if err := c.Start(); err != nil {
				logger.Warn("Plugin open failed", zap.String("plugin", pc.ID), zap.Error(err))
				return
			}
			go func() {
				if err := c.Wait(); err != nil {
					logger.Warn("Plugin open command exited", zap.String("plugin", pc.ID), zap.Error(err))
				}
			}()
		}
	}
	return p
}
