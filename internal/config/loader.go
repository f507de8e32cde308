package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"datagate/internal/gateway"
)

const (
	envEnvironment = "DAB_ENVIRONMENT"
	envConnString  = "DAB_CONNSTRING"

	readAttempts = 5
	readBackoff  = 100 * time.Millisecond
)

var envTokenRe = regexp.MustCompile(`@env\('([^']*)'\)`)

// Loader owns the current snapshot and knows how to produce the next one.
type Loader struct {
	deps    gateway.Dependencies
	path    string
	current atomic.Pointer[RuntimeConfig]
	version atomic.Uint64
	lookup  func(string) (string, bool) // env lookup, swappable in tests
}

func NewLoader(deps gateway.Dependencies, path string) *Loader {
	return &Loader{deps: deps, path: path, lookup: os.LookupEnv}
}

// Current returns the last published snapshot, or nil before first Load.
func (l *Loader) Current() *RuntimeConfig {
	return l.current.Load()
}

// Load parses, overlays, resolves and validates the config file, then
// publishes it as the current snapshot. The previous snapshot stays
// published if anything fails.
func (l *Loader) Load() (*RuntimeConfig, error) {
	cfg, err := l.parse()
	if err != nil {
		return nil, err
	}
	cfg.Version = l.version.Add(1)
	l.current.Store(cfg)
	return cfg, nil
}

// parse builds a validated RuntimeConfig without publishing it.
func (l *Loader) parse() (*RuntimeConfig, error) {
	base, err := l.readLayer(l.path)
	if err != nil {
		return nil, err
	}

	merged := base
	if env, ok := l.lookup(envEnvironment); ok && env != "" {
		for _, suffix := range []string{env + ".json", env + ".overrides.json"} {
			layerPath := overlayPath(l.path, suffix)
			if _, statErr := os.Stat(layerPath); statErr != nil {
				continue
			}
			layer, layerErr := l.readLayer(layerPath)
			if layerErr != nil {
				return nil, layerErr
			}
			merged = deepMerge(merged, layer)
		}
	}

	if err := l.resolveEnvTokens(merged); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, gateway.InitializationError("re-encode merged config", err)
	}

	var cfg RuntimeConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, gateway.InitializationError(fmt.Sprintf("config %s does not match the schema", l.path), err)
	}

	if conn, ok := l.lookup(envConnString); ok && conn != "" {
		cfg.DataSource.ConnectionString = conn
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// readLayer reads one JSON layer with bounded exponential retry on IO errors.
func (l *Loader) readLayer(path string) (map[string]any, error) {
	var data []byte
	var err error
	delay := readBackoff
	for attempt := 1; attempt <= readAttempts; attempt++ {
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
		if attempt == readAttempts {
			return nil, gateway.InitializationError(fmt.Sprintf("read config %s", path), err)
		}
		time.Sleep(delay)
		delay *= 2
	}

	var layer map[string]any
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, gateway.InitializationError(fmt.Sprintf("config %s is not valid JSON", path), err)
	}
	return layer, nil
}

// deepMerge merges src over dst. Maps merge recursively; arrays and scalars
// are replaced, not concatenated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}

// resolveEnvTokens rewrites @env('NAME') in every string leaf in place.
// An unresolved variable is fatal.
func (l *Loader) resolveEnvTokens(node map[string]any) error {
	for k, v := range node {
		resolved, err := l.resolveValue(v)
		if err != nil {
			return err
		}
		node[k] = resolved
	}
	return nil
}

func (l *Loader) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		var missing string
		out := envTokenRe.ReplaceAllStringFunc(val, func(tok string) string {
			name := envTokenRe.FindStringSubmatch(tok)[1]
			resolved, ok := l.lookup(name)
			if !ok {
				missing = name
				return tok
			}
			return resolved
		})
		if missing != "" {
			return nil, gateway.InitializationError(fmt.Sprintf("environment variable %q referenced by @env() is not set", missing), nil)
		}
		return out, nil
	case map[string]any:
		if err := l.resolveEnvTokens(val); err != nil {
			return nil, err
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := l.resolveValue(item)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return v, nil
	}
}

// overlayPath turns /etc/dab/config.json + "dev.json" into
// /etc/dab/config.dev.json.
func overlayPath(base, suffix string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + suffix
}
