package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
)

const (
	// DefaultWebAddress is the default address of the HTTP API.
	DefaultWebAddress = "localhost:8000"

	// DefaultMaxConcurrentMutations bounds the mutation transactions in flight.
	DefaultMaxConcurrentMutations = 4
)

// Config is the parsed TOML configuration of a server.
type Config struct {
	Server  serverConfig
	Auth    authConfig
	Logging neuprint.LogConfig
	Store   storage.StoreConfig
	Dataset map[string]datasetConfig
	Kafka   storage.KafkaConfig

	location string
}

type serverConfig struct {
	HTTPAddress            string   `toml:"httpAddress"`
	MaxConcurrentMutations int64    `toml:"maxConcurrentMutations"`
	CorsDomains            []string `toml:"corsDomains"`
	BlockListFile          string   `toml:"blockListFile"`
	Note                   string
}

// datasetConfig sets the synapse counts at which a segment becomes a Neuron.
type datasetConfig struct {
	NeuronPre  int64 `toml:"neuronPre"`
	NeuronPost int64 `toml:"neuronPost"`
}

// LoadConfig reads a server configuration from a TOML file.  Relative paths in the
// file are taken relative to the file's directory.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := new(Config)
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("bad TOML config %s: %v", filename, err)
	}
	return c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error
	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		if c.Logging.Logfile, err = convertToAbsolute(c.Logging.Logfile, configDir); err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path")
		}
	}

	// [auth].auth_file
	if c.Auth.AuthFile != "" {
		if c.Auth.AuthFile, err = convertToAbsolute(c.Auth.AuthFile, configDir); err != nil {
			return fmt.Errorf("error converting auth_file setting to absolute path")
		}
	}

	// [server].blockListFile
	if c.Server.BlockListFile != "" {
		if c.Server.BlockListFile, err = convertToAbsolute(c.Server.BlockListFile, configDir); err != nil {
			return fmt.Errorf("error converting blockListFile setting to absolute path")
		}
	}

	// [store].path
	if c.Store.Path != "" {
		if c.Store.Path, err = convertToAbsolute(c.Store.Path, configDir); err != nil {
			return fmt.Errorf("error converting store path to absolute path: %q", c.Store.Path)
		}
	}
	return nil
}

// convertToAbsolute returns path if it is absolute, otherwise path joined to dir.
func convertToAbsolute(path, dir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(wd, dir)
	}
	return filepath.Join(dir, path), nil
}

func (c *Config) validate() error {
	if c.Store.Engine == "" {
		c.Store.Engine = "badger"
	}
	if c.Logging.Level != "" {
		if _, err := neuprint.ParseLogMode(c.Logging.Level); err != nil {
			return err
		}
	}
	if c.Server.MaxConcurrentMutations < 0 {
		return fmt.Errorf("maxConcurrentMutations can't be negative")
	}
	for name, ds := range c.Dataset {
		if ds.NeuronPre < 0 || ds.NeuronPost < 0 {
			return fmt.Errorf("dataset %q has negative neuron thresholds", name)
		}
	}
	return nil
}

// Location returns the path of the TOML file, if any.
func (c *Config) Location() string {
	return c.location
}

// HTTPAddress returns the configured address of the HTTP API or the default.
func (c *Config) HTTPAddress() string {
	if c.Server.HTTPAddress == "" {
		return DefaultWebAddress
	}
	return c.Server.HTTPAddress
}

// MaxConcurrentMutations returns the configured bound or the default.
func (c *Config) MaxConcurrentMutations() int64 {
	if c.Server.MaxConcurrentMutations == 0 {
		return DefaultMaxConcurrentMutations
	}
	return c.Server.MaxConcurrentMutations
}

// Thresholds returns the Neuron thresholds of a dataset.  Unset values use the defaults.
func (c *Config) Thresholds(dataset string) neuprint.NeuronThresholds {
	t := neuprint.DefaultNeuronThresholds
	if ds, found := c.Dataset[dataset]; found {
		if ds.NeuronPre != 0 {
			t.Pre = ds.NeuronPre
		}
		if ds.NeuronPost != 0 {
			t.Post = ds.NeuronPost
		}
	}
	return t
}

// Datasets returns the sorted names of datasets with a configuration section.
func (c *Config) Datasets() []string {
	names := make([]string, 0, len(c.Dataset))
	for name := range c.Dataset {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
