package state

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds optional defaults read from config.yaml in the state root.
// Flags and env variables always win over these.
type Config struct {
	Port  int    `yaml:"port,omitempty"`
	HTTPS bool   `yaml:"https,omitempty"`
	Cert  string `yaml:"cert,omitempty"`
	Key   string `yaml:"key,omitempty"`
}

// LoadConfig reads config.yaml from dir. A missing file yields the zero
// Config; an unreadable or malformed file is a warning, never an error.
func LoadConfig(dir string, log *logrus.Logger) Config {
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && log != nil {
			log.WithError(err).Warnf("ignoring unreadable %s", path)
		}
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		if log != nil {
			log.WithError(err).Warnf("ignoring malformed %s", path)
		}
		return Config{}
	}
	return cfg
}
