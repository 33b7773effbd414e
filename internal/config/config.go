package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir   = ".beamline"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultListen    = "127.0.0.1:8470"
)

type Config struct {
	Backend    BackendConfig `yaml:"backend"`
	Log        LogConfig     `yaml:"log"`
	DataDir    string        `yaml:"data_dir"`
	HistoryDB  string        `yaml:"history_db"`
	CommandLog string        `yaml:"command_log"`
	ModelsDir  string        `yaml:"models_dir"`
	Listen     string        `yaml:"listen"`
}

// BackendConfig selects the engine. An empty Command runs the in-process
// engine.
type BackendConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		DataDir: DefaultDataDir,
		Listen:  DefaultListen,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// RunsDir is where analysis runs are stored.
func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// HistoryPath returns the SQLite history database, by default inside the
// data directory.
func (c *Config) HistoryPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.DataDir, "history.db")
}
