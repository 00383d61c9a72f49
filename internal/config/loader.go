package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

const (
	// ConfigFileName is the file qloader looks for inside a workspace.
	ConfigFileName = "config.yaml"

	// StateFileName is the default state store file inside a workspace.
	StateFileName = "state.db"

	maxConfigFileSize = 1024 * 1024

	// envPrefix scopes environment overrides, with __ standing in for
	// the key-path dot: QLOADER_GLOBAL__QDRANT__URL -> global.qdrant.url.
	envPrefix = "QLOADER_"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadWorkspace loads <dir>/config.yaml, defaulting the state store
// path into the workspace directory.
func LoadWorkspace(dir string) (*Config, error) {
	if dir == "" {
		return nil, errkind.New(errkind.Config, "workspace path is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errkind.New(errkind.Config, "workspace %s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, errkind.New(errkind.Config, "workspace %s is not a directory", dir)
	}

	cfg, err := Load(filepath.Join(abs, ConfigFileName))
	if err != nil {
		return nil, err
	}
	if cfg.Global.State.DatabasePath == "" {
		cfg.Global.State.DatabasePath = filepath.Join(abs, StateFileName)
	}
	return cfg, nil
}

// Load reads, expands, and parses a configuration file, then applies
// QLOADER_* environment overrides, defaults, and validation.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.New(errkind.Config, "open config: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, errkind.New(errkind.Config, "config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	return Parse(content)
}

// Parse loads a configuration document from raw bytes. YAML is a
// superset of JSON, so both forms parse through the same path.
func Parse(content []byte) (*Config, error) {
	expanded, err := ExpandEnv(content)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(expanded), yaml.Parser()); err != nil {
		return nil, errkind.New(errkind.Config, "parse config: %v", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}), nil); err != nil {
		return nil, errkind.New(errkind.Config, "environment overrides: %v", err)
	}

	if err := validateSourceTypes(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errkind.New(errkind.Config, "unmarshal config: %v", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	return &cfg, nil
}

// ExpandEnv replaces every ${VAR} reference with the variable's value.
// References to unset variables are collected and reported together.
func ExpandEnv(content []byte) ([]byte, error) {
	var missing []string
	expanded := envVarPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := string(envVarPattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		missing = dedupe(missing)
		return nil, errkind.New(errkind.Config, "unresolved environment variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// validateSourceTypes rejects unknown keys under projects.*.sources
// before unmarshal would silently drop them.
func validateSourceTypes(k *koanf.Koanf) error {
	known := make(map[string]bool, len(SourceTypes()))
	for _, t := range SourceTypes() {
		known[t] = true
	}
	projects, ok := k.Raw()["projects"].(map[string]any)
	if !ok {
		return nil
	}
	for projectID, raw := range projects {
		project, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sources, ok := project["sources"].(map[string]any)
		if !ok {
			continue
		}
		for sourceType := range sources {
			if !known[sourceType] {
				return errkind.New(errkind.Config, "project %s: unknown source type %q (valid: %s)",
					projectID, sourceType, strings.Join(SourceTypes(), ", "))
			}
		}
	}
	return nil
}

// Redacted returns the resolved configuration as a nested map with
// secrets already replaced by their redacted form. The Secret type
// redacts itself during JSON marshaling, so the round trip is safe to
// render anywhere.
func (c *Config) Redacted() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RenderYAML marshals a Redacted map to YAML for display.
func RenderYAML(m map[string]any) ([]byte, error) {
	return yaml.Parser().Marshal(m)
}
