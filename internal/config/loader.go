package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot from defaults, config files and environment.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"upstream.timeoutseconds":              "upstream.timeoutSeconds",
			"auth.apikeys":                         "auth.apiKeys",
			"auth.bypasspaths":                     "auth.bypassPaths",
			"ratelimit.maxrequests":                "ratelimit.maxRequests",
			"ratelimit.windowseconds":              "ratelimit.windowSeconds",
			"cache.ttlseconds":                     "cache.ttlSeconds",
			"cache.statescapacity":                 "cache.statesCapacity",
			"cache.servicescapacity":               "cache.servicesCapacity",
			"cache.configcapacity":                 "cache.configCapacity",
			"scheduler.maxconcurrent":              "scheduler.maxConcurrent",
			"scheduler.timeoutseconds":             "scheduler.timeoutSeconds",
			"eventstream.updatecache":              "eventstream.updateCache",
			"eventstream.reconnectmaxattempts":     "eventstream.reconnectMaxAttempts",
			"eventstream.reconnectmaxdelayseconds": "eventstream.reconnectMaxDelaySeconds",
			"eventstream.filter.entityprefixes":    "eventstream.filter.entityPrefixes",
			"eventstream.filter.excludedomains":    "eventstream.filter.excludeDomains",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (UPSTREAM__TOKEN -> upstream.token).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserForFile picks the koanf parser matching the file extension.
func parserForFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"upstream": map[string]any{
			"url":            cfg.Upstream.URL,
			"token":          cfg.Upstream.Token,
			"timeoutSeconds": cfg.Upstream.TimeoutSeconds,
		},
		"auth": map[string]any{
			"apiKeys":     cfg.Auth.APIKeys,
			"bypassPaths": cfg.Auth.BypassPaths,
		},
		"ratelimit": map[string]any{
			"maxRequests":   cfg.RateLimit.MaxRequests,
			"windowSeconds": cfg.RateLimit.WindowSeconds,
		},
		"cache": map[string]any{
			"ttlSeconds":       cfg.Cache.TTLSeconds,
			"statesCapacity":   cfg.Cache.StatesCapacity,
			"servicesCapacity": cfg.Cache.ServicesCapacity,
			"configCapacity":   cfg.Cache.ConfigCapacity,
		},
		"scheduler": map[string]any{
			"maxConcurrent":  cfg.Scheduler.MaxConcurrent,
			"timeoutSeconds": cfg.Scheduler.TimeoutSeconds,
		},
		"eventstream": map[string]any{
			"enabled":                  cfg.EventStream.Enabled,
			"updateCache":              cfg.EventStream.UpdateCache,
			"reconnectMaxAttempts":     cfg.EventStream.ReconnectMaxAttempts,
			"reconnectMaxDelaySeconds": cfg.EventStream.ReconnectMaxDelaySeconds,
			"filter": map[string]any{
				"enabled":        cfg.EventStream.Filter.Enabled,
				"entityPrefixes": cfg.EventStream.Filter.EntityPrefixes,
				"excludeDomains": cfg.EventStream.Filter.ExcludeDomains,
				"expression":     cfg.EventStream.Filter.Expression,
			},
		},
	}
}
