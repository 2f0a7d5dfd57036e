package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/glimte/amqclient/contracts"
	"github.com/spf13/viper"
)

// DefaultFileName is the settings file Discover looks for
const DefaultFileName = "appsettings.json"

// Load reads the ActiveMQClient section from a settings file. The format is
// inferred from the extension. A missing file or section is a ConfigError
// wrapping ErrMissingConfig.
func Load(pathFile string) (*Options, error) {
	v, err := newViper(pathFile)
	if err != nil {
		return nil, err
	}
	return section(v)
}

// LoadFromBytes reads the ActiveMQClient section from memory.
// configType is a viper format name such as "json" or "yaml".
func LoadFromBytes(configType string, data []byte) (*Options, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, &contracts.ConfigError{Err: fmt.Errorf("%w: config type is required", contracts.ErrInvalidConfig)}
	}

	v := viper.New()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, &contracts.ConfigError{Err: errors.Join(contracts.ErrInvalidConfig, err)}
	}

	return section(v)
}

// Discover finds appsettings.json next to the executable, then above its /bin
// directory, then in the working directory, and loads it.
func Discover() (*Options, error) {
	pathFile, err := DiscoverPath(DefaultFileName)
	if err != nil {
		return nil, err
	}
	return Load(pathFile)
}

// DiscoverPath returns the first existing candidate for fileName
func DiscoverPath(fileName string) (string, error) {
	var dirs []string

	if exe, err := os.Executable(); err == nil {
		dir := filepath.ToSlash(filepath.Dir(exe))
		dirs = append(dirs, dir)
		if i := strings.Index(dir, "/bin"); i > 0 {
			dirs = append(dirs, dir[:i])
		}
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}

	return findIn(dirs, fileName)
}

func findIn(dirs []string, fileName string) (string, error) {
	for _, dir := range dirs {
		candidate := filepath.Join(filepath.FromSlash(dir), fileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", &contracts.ConfigError{
		Field: fileName,
		Err:   fmt.Errorf("%w: searched %s", contracts.ErrMissingConfig, strings.Join(dirs, ", ")),
	}
}

// Watch loads the section and calls fn with every valid record read after the
// file changes. Records that fail to load are logged and skipped. Clients keep
// the record they were built with; a reload only affects clients built afterwards.
func Watch(pathFile string, fn func(*Options), logger *slog.Logger) (*Options, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v, err := newViper(pathFile)
	if err != nil {
		return nil, err
	}

	opts, err := section(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			logger.Error("config reload failed", "path", pathFile, "error", err)
			return
		}
		reloaded, err := section(v)
		if err != nil {
			logger.Error("config reload rejected", "path", pathFile, "error", err)
			return
		}
		logger.Info("config reloaded", "path", pathFile, "brokerUri", contracts.SanitizeURL(reloaded.BrokerURI))
		fn(reloaded)
	})
	v.WatchConfig()

	return opts, nil
}

func newViper(pathFile string) (*viper.Viper, error) {
	if _, err := os.Stat(pathFile); err != nil {
		return nil, &contracts.ConfigError{Field: pathFile, Err: errors.Join(contracts.ErrMissingConfig, err)}
	}

	v := viper.New()
	v.SetConfigFile(pathFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, &contracts.ConfigError{Field: pathFile, Err: errors.Join(contracts.ErrInvalidConfig, err)}
	}

	return v, nil
}

func section(v *viper.Viper) (*Options, error) {
	sub := v.Sub(SectionName)
	if !v.IsSet(SectionName) || sub == nil {
		return nil, &contracts.ConfigError{Field: SectionName, Err: contracts.ErrMissingConfig}
	}

	var opts Options
	if err := sub.Unmarshal(&opts); err != nil {
		return nil, &contracts.ConfigError{Field: SectionName, Err: errors.Join(contracts.ErrInvalidConfig, err)}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}
