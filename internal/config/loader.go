package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects which koanf provider backs a Loader.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// ParseSourceType normalizes a CLI/flag string into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	case "zookeeper", "zk":
		return SourceZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config source: %s (valid: file, consul, etcd, zookeeper)", s)
	}
}

// LoaderOptions parametrizes where configuration is read from and
// whether changes are watched live.
type LoaderOptions struct {
	Type      SourceType
	Path      string
	Endpoints []string
	Watch     bool
	OnChange  func(*Config) error
}

// Loader reads Conductor's config tree through koanf, expands
// environment variables, strictly validates structure, and optionally
// watches the backing store for live reload.
type Loader struct {
	mu       sync.Mutex
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader constructs a Loader for opts, filling in default endpoints
// per backend when none are given.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads configuration once, validates it, and (if Watch is set)
// starts a background watcher that invokes OnChange on every reload.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.buildProvider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", l.options.Type, err)
	}
	if err := l.expandEnvVars(); err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	cfg, err := l.unmarshalAndValidate()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}
	return cfg, nil
}

func (l *Loader) buildProvider() (koanf.Provider, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), nil

	case SourceConsul:
		cfg := api.DefaultConfig()
		cfg.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: cfg, Key: l.options.Path}), nil

	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil

	case SourceZookeeper:
		return NewZookeeperProvider(l.options.Endpoints, l.options.Path)

	default:
		return nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == SourceFile || l.options.Type == SourceZookeeper {
		return l.parser
	}
	return nil
}

type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	w, ok := provider.(watcher)
	if !ok {
		slog.Warn("config source does not support watching", "type", l.options.Type)
		return
	}

	slog.Info("config watcher started", "type", l.options.Type)
	err := w.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}
		if err != nil {
			slog.Warn("config watch error", "error", err)
			return
		}

		l.mu.Lock()
		loadErr := l.koanf.Load(provider, l.parserFor())
		l.mu.Unlock()
		if loadErr != nil {
			slog.Warn("failed to reload config", "error", loadErr)
			return
		}
		if err := l.expandEnvVars(); err != nil {
			slog.Warn("failed to expand env vars in reloaded config", "error", err)
			return
		}

		newCfg, err := l.unmarshalAndValidate()
		if err != nil {
			slog.Warn("reloaded config failed validation", "error", err)
			return
		}
		if l.options.OnChange != nil {
			if err := l.options.OnChange(newCfg); err != nil {
				slog.Warn("config change callback failed", "error", err)
			} else {
				slog.Info("configuration reloaded", "type", l.options.Type)
			}
		}
	})
	if err != nil {
		slog.Warn("config watch stopped", "error", err)
	}
}

func (l *Loader) unmarshalAndValidate() (*Config, error) {
	strict, err := ValidateConfigStructure(l.koanf.Raw())
	if err != nil {
		return nil, fmt.Errorf("strict validation: %w", err)
	}
	if !strict.Valid() {
		return nil, fmt.Errorf("configuration has structural errors:\n%s", strict.FormatErrors())
	}

	cfg := Default()
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (l *Loader) expandEnvVars() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())
	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("load expanded config: %w", err)
	}
	l.koanf = newKoanf
	return nil
}

// Stop halts the background watcher, if running.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange registers the live-reload callback.
func (l *Loader) SetOnChange(cb func(*Config) error) {
	l.options.OnChange = cb
}

// Load is a convenience wrapper returning only the initial Config.
func Load(opts LoaderOptions) (*Config, error) {
	cfg, _, err := LoadWithLoader(opts)
	return cfg, err
}

// LoadWithLoader returns both the initial Config and the Loader, so
// callers can register OnChange or Stop a watch.
func LoadWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("create loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, loader, nil
}
