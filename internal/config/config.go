// Package config implements the Agent's configuration facade: a read-only
// key/value store with typed getters, loaded once from YAML at startup.
//
// Grounded on pkg/snmpcollector/config/loader.go's directory-walking,
// lenient, error-accumulating loader. Here a single section corresponds to a
// top-level YAML key (e.g. "lens_config", "collectors_config") and nested
// keys are addressed with the dotted GetString(section, key) surface implied
// by the original Config::instance().getString(section, key) collaborator.
package config

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a read-only key/value store with typed getters. It is safe for
// concurrent reads; nothing mutates it after Load returns.
type Config struct {
	sections map[string]yaml.Node
}

// Load reads path, which is either a single YAML file or a directory of
// *.yml/*.yaml fragments merged in lexical order (later files' top-level keys
// override earlier ones with the same key). Errors from individual files are
// accumulated and returned together so operators see all problems at once.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	files, err := yamlFiles(path)
	if err != nil {
		return nil, fmt.Errorf("config: list %q: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no YAML files found under %q", path)
	}

	merged := map[string]yaml.Node{}
	var errs []string
	for _, f := range files {
		var doc map[string]yaml.Node
		if err := decodeFile(f, &doc); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		for k, v := range doc {
			merged[k] = v
		}
		logger.Debug("config: loaded file", "file", f)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %d error(s):\n  %s", len(errs), strings.Join(errs, "\n  "))
	}

	return &Config{sections: merged}, nil
}

// section returns the raw node for a top-level section name, or nil.
func (c *Config) section(name string) *yaml.Node {
	n, ok := c.sections[name]
	if !ok {
		return nil
	}
	return &n
}

// field locates key within section's mapping node.
func (c *Config) field(section, key string) *yaml.Node {
	sec := c.section(section)
	if sec == nil || sec.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(sec.Content); i += 2 {
		if sec.Content[i].Value == key {
			return sec.Content[i+1]
		}
	}
	return nil
}

// GetString returns the string value at section.key, or an error if absent.
func (c *Config) GetString(section, key string) (string, error) {
	n := c.field(section, key)
	if n == nil {
		return "", fmt.Errorf("config: missing %s.%s", section, key)
	}
	var v string
	if err := n.Decode(&v); err != nil {
		return "", fmt.Errorf("config: %s.%s: %w", section, key, err)
	}
	return v, nil
}

// GetStringDefault is GetString with a fallback for a missing key.
func (c *Config) GetStringDefault(section, key, def string) string {
	v, err := c.GetString(section, key)
	if err != nil {
		return def
	}
	return v
}

// GetInt returns the integer value at section.key, or an error if absent.
func (c *Config) GetInt(section, key string) (int, error) {
	n := c.field(section, key)
	if n == nil {
		return 0, fmt.Errorf("config: missing %s.%s", section, key)
	}
	var v int
	if err := n.Decode(&v); err != nil {
		return 0, fmt.Errorf("config: %s.%s: %w", section, key, err)
	}
	return v, nil
}

// GetIntDefault is GetInt with a fallback for a missing key.
func (c *Config) GetIntDefault(section, key string, def int) int {
	v, err := c.GetInt(section, key)
	if err != nil {
		return def
	}
	return v
}

// GetFloat returns the float value at section.key, or an error if absent.
func (c *Config) GetFloat(section, key string) (float64, error) {
	n := c.field(section, key)
	if n == nil {
		return 0, fmt.Errorf("config: missing %s.%s", section, key)
	}
	var v float64
	if err := n.Decode(&v); err != nil {
		return 0, fmt.Errorf("config: %s.%s: %w", section, key, err)
	}
	return v, nil
}

// GetDuration interprets an integer or float at section.key as a count of
// unit (e.g. time.Millisecond) and returns the resulting time.Duration.
func (c *Config) GetDuration(section, key string, unit time.Duration) (time.Duration, error) {
	v, err := c.GetFloat(section, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(v * float64(unit)), nil
}

// GetBool returns the boolean value at section.key, or an error if absent.
func (c *Config) GetBool(section, key string) (bool, error) {
	n := c.field(section, key)
	if n == nil {
		return false, fmt.Errorf("config: missing %s.%s", section, key)
	}
	var v bool
	if err := n.Decode(&v); err != nil {
		return false, fmt.Errorf("config: %s.%s: %w", section, key, err)
	}
	return v, nil
}

// GetBoolDefault is GetBool with a fallback for a missing key.
func (c *Config) GetBoolDefault(section, key string, def bool) bool {
	v, err := c.GetBool(section, key)
	if err != nil {
		return def
	}
	return v
}

// DecodeArray decodes the sequence at section.key into a slice of T. Used for
// repeated-block config like collectors_config.collectors and
// writers_config.writers.
func DecodeArray[T any](c *Config, section, key string) ([]T, error) {
	n := c.field(section, key)
	if n == nil {
		return nil, nil
	}
	var out []T
	if err := n.Decode(&out); err != nil {
		return nil, fmt.Errorf("config: %s.%s: %w", section, key, err)
	}
	return out, nil
}

// DecodeSection decodes the named section wholesale into v, useful when a
// collector or writer wants its entire opaque config blob as one struct.
func (c *Config) DecodeSection(section string, v any) error {
	n := c.section(section)
	if n == nil {
		return fmt.Errorf("config: missing section %s", section)
	}
	if err := n.Decode(v); err != nil {
		return fmt.Errorf("config: section %s: %w", section, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// yamlFiles returns all *.yml/*.yaml files under path, sorted lexically. If
// path is itself a YAML file, it is returned as the sole entry.
func yamlFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// decodeFile opens path and unmarshals the YAML content into out.
func decodeFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(false) // be lenient — extra keys are fine
	return dec.Decode(out)
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
