package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConfigSuite struct {
	suite.Suite
	dir  string
	path string
}

func (s *ConfigSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.path = DefaultPath(s.dir)
	s.T().Setenv("DEVBRIDGE_DB", "")
	s.T().Setenv("DEVBRIDGE_LOG_LEVEL", "")
	s.T().Setenv("DEVBRIDGE_DEBUG", "")
	s.T().Setenv("DEVBRIDGE_CONTROLLER", "")
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) TestDefaultConfigIsValid() {
	cfg := DefaultConfig()
	s.Require().NoError(cfg.Validate())
	s.Equal(ControllerScript, cfg.Session.Controller)
	s.Equal(StoreSQLite, cfg.Store.Driver)
	s.Equal(60*time.Second, cfg.GetAppLoadTimeout())
	s.Equal(250*time.Millisecond, cfg.GetPollInterval())
	s.Equal(2*time.Second, cfg.GetMaxPollInterval())
	s.Equal(10*time.Minute, cfg.GetCommandTimeout())
	s.Equal(200*time.Millisecond, cfg.GetSimulatorDelay())
}

func (s *ConfigSuite) TestLoadMissingFileReturnsDefaults() {
	cfg, err := Load(filepath.Join(s.dir, "nope.yaml"))
	s.Require().NoError(err)
	s.Equal(DefaultConfig(), cfg)
}

func (s *ConfigSuite) TestSaveLoadRoundTrip() {
	cfg := DefaultConfig()
	cfg.Session.Controller = ControllerSimulator
	cfg.Session.Commands = map[string]string{"boot": "xcrun simctl boot {device}"}
	cfg.Tools.Plugins = append(cfg.Tools.Plugins, PluginConfig{ID: "redux", Label: "Redux DevTools", OpenCommand: "open redux://"})
	cfg.Logging.Categories = map[string]bool{"bridge": false}

	s.Require().NoError(cfg.Save(s.path))
	loaded, err := Load(s.path)
	s.Require().NoError(err)
	s.Equal(cfg, loaded)
}

func (s *ConfigSuite) TestLoadPartialFileKeepsDefaults() {
	s.Require().NoError(os.MkdirAll(filepath.Dir(s.path), 0755))
	s.Require().NoError(os.WriteFile(s.path, []byte("session:\n  platform: android\n"), 0644))

	cfg, err := Load(s.path)
	s.Require().NoError(err)
	s.Equal("android", cfg.Session.Platform)
	s.Equal("60s", cfg.Session.AppLoadTimeout)
	s.Equal(16, cfg.Bridge.Workers)
}

func (s *ConfigSuite) TestLoadMalformed() {
	s.Require().NoError(os.MkdirAll(filepath.Dir(s.path), 0755))
	s.Require().NoError(os.WriteFile(s.path, []byte("session: [unclosed"), 0644))
	_, err := Load(s.path)
	s.Error(err)
}

func (s *ConfigSuite) TestWatcherReloadsOnWrite() {
	cfg := DefaultConfig()
	s.Require().NoError(cfg.Save(s.path))

	got := make(chan *Config, 4)
	w, err := NewWatcher(s.path, func(c *Config) { got <- c })
	s.Require().NoError(err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Require().NoError(w.Start(ctx))
	defer w.Stop()

	cfg.Logging.Level = "debug"
	cfg.Logging.DebugMode = true
	s.Require().NoError(cfg.Save(s.path))

	select {
	case reloaded := <-got:
		s.Equal("debug", reloaded.Logging.Level)
		s.True(reloaded.Logging.DebugMode)
	case <-time.After(3 * time.Second):
		s.Fail("watcher did not reload the config")
	}
}

func (s *ConfigSuite) TestWatcherIgnoresInvalidConfig() {
	s.Require().NoError(DefaultConfig().Save(s.path))

	got := make(chan *Config, 4)
	w, err := NewWatcher(s.path, func(c *Config) { got <- c })
	s.Require().NoError(err)
	w.debounce = 20 * time.Millisecond
	s.Require().NoError(w.Start(context.Background()))
	defer w.Stop()

	s.Require().NoError(os.WriteFile(s.path, []byte("session:\n  controller: telepathy\n"), 0644))

	select {
	case c := <-got:
		s.Failf("unexpected reload", "controller=%s", c.Session.Controller)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"memory store", func(c *Config) { c.Store.Driver = StoreMemory; c.Store.Path = "" }, true},
		{"unknown controller", func(c *Config) { c.Session.Controller = "adb" }, false},
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }, false},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, false},
		{"negative workers", func(c *Config) { c.Bridge.Workers = -1 }, false},
		{"plugin without id", func(c *Config) { c.Tools.Plugins = []PluginConfig{{Label: "x"}} }, false},
		{"duplicate plugin", func(c *Config) {
			c.Tools.Plugins = []PluginConfig{{ID: "a"}, {ID: "a"}}
		}, false},
		{"bad duration", func(c *Config) { c.Session.AppLoadTimeout = "soon" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.AppLoadTimeout = "bogus"
	cfg.Session.PollInterval = "-1s"
	cfg.Session.Simulator.Delay = ""
	assert.Equal(t, 60*time.Second, cfg.GetAppLoadTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.GetPollInterval())
	assert.Zero(t, cfg.GetSimulatorDelay())
}

func TestLoggingConfig_ToLogging(t *testing.T) {
	lc := LoggingConfig{Level: "warn", Format: "json", DebugMode: true, Categories: map[string]bool{"tools": false}}
	got := lc.ToLogging()
	require.True(t, got.DebugMode)
	assert.True(t, got.JSONFormat)
	assert.Equal(t, "warn", got.Level)
	assert.Equal(t, map[string]bool{"tools": false}, got.Categories)
}
