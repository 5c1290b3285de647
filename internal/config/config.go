package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/housekeeper/internal/housekeeper"
	"github.com/schaermu/housekeeper/internal/project"
)

// Config file names looked up in the project root, in order
const (
	JSONFile = "housekeeper.config.json"
	YAMLFile = "housekeeper.config.yaml"
)

// Environment variables overriding the config file
const (
	EnvTargets      = "HOUSEKEEPER_TARGETS"
	EnvKeepRecent   = "HOUSEKEEPER_KEEP_RECENT"
	EnvKeepDays     = "HOUSEKEEPER_KEEP_DAYS"
	EnvTrashMaxDays = "HOUSEKEEPER_TRASH_MAX_DAYS"
	EnvListen       = "HOUSEKEEPER_LISTEN"
)

// Defaults
const (
	DefaultKeepRecent   = 5
	DefaultKeepDays     = 7
	DefaultTrashMaxDays = 30
	DefaultJournal      = "data/.housekeeper/journal.db"
	DefaultListen       = "127.0.0.1:9464"
)

// DefaultTargets returns the targets used when none are configured
func DefaultTargets() []string {
	return []string{"data/logs", "data/screens"}
}

// Config represents the complete housekeeper configuration
type Config struct {
	Targets      []string       `json:"targets" yaml:"targets"`
	KeepRecent   int            `json:"keepRecent" yaml:"keepRecent"`
	KeepDays     int            `json:"keepDays" yaml:"keepDays"`
	TrashMaxDays int            `json:"trashMaxDays" yaml:"trashMaxDays"`
	TrashDir     string         `json:"trashDir" yaml:"trashDir"`
	Journal      string         `json:"journal" yaml:"journal"`
	MetricsFile  string         `json:"metricsFile" yaml:"metricsFile"`
	Checksums    bool           `json:"checksums" yaml:"checksums"`
	Listen       string         `json:"listen" yaml:"listen"`
	Schedule     ScheduleConfig `json:"schedule" yaml:"schedule"`

	// Path is the file the config was read from, empty for defaults only
	Path string `json:"-" yaml:"-"`

	// Warnings lists config file values that were ignored or adjusted
	Warnings []string `json:"-" yaml:"-"`
}

// ScheduleConfig holds cron expressions for serve mode. An empty expression
// disables the job.
type ScheduleConfig struct {
	Cleanup string `json:"cleanup" yaml:"cleanup"`
	Prune   string `json:"prune" yaml:"prune"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Targets:      DefaultTargets(),
		KeepRecent:   DefaultKeepRecent,
		KeepDays:     DefaultKeepDays,
		TrashMaxDays: DefaultTrashMaxDays,
		TrashDir:     housekeeper.DefaultTrashDir,
		Journal:      DefaultJournal,
		Listen:       DefaultListen,
	}
}

// FindFile returns the config file in root, or "" when there is none
func FindFile(root string) string {
	for _, name := range []string{JSONFile, YAMLFile} {
		path := filepath.Join(root, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load builds the configuration for the project at root. Defaults are
// overlaid with the config file (path, or the one found in root when path is
// empty) and then with the environment, including root/.env.
func Load(root, path string) (*Config, error) {
	cfg := Default()

	path = os.ExpandEnv(path)
	if path == "" {
		path = FindFile(root)
	}

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}

	if err := cfg.applyEnv(envLookup(root)); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// readFile overlays the values of a JSON or YAML file. Keys are decoded one
// by one: a missing key or a value of the wrong type keeps the current value,
// the latter with a warning.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.decodeStrings("targets", raw["targets"], &c.Targets)
	c.decodeInt("keepRecent", raw["keepRecent"], &c.KeepRecent)
	c.decodeInt("keepDays", raw["keepDays"], &c.KeepDays)
	c.decodeInt("trashMaxDays", raw["trashMaxDays"], &c.TrashMaxDays)
	c.decodeString("trashDir", raw["trashDir"], &c.TrashDir)
	c.decodeString("journal", raw["journal"], &c.Journal)
	c.decodeString("metricsFile", raw["metricsFile"], &c.MetricsFile)
	c.decodeString("listen", raw["listen"], &c.Listen)
	c.decodeBool("checksums", raw["checksums"], &c.Checksums)

	if v, ok := raw["schedule"]; ok && v != nil {
		schedule, ok := v.(map[string]any)
		if !ok {
			c.warnType("schedule", "an object", v)
			return nil
		}
		c.decodeString("schedule.cleanup", schedule["cleanup"], &c.Schedule.Cleanup)
		c.decodeString("schedule.prune", schedule["prune"], &c.Schedule.Prune)
	}
	return nil
}

func (c *Config) warnType(key, want string, v any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("%s: expected %s, got %T; keeping the default", key, want, v))
}

func (c *Config) decodeString(key string, v any, dst *string) {
	if v == nil {
		return
	}
	s, ok := v.(string)
	if !ok {
		c.warnType(key, "a string", v)
		return
	}
	*dst = s
}

func (c *Config) decodeBool(key string, v any, dst *bool) {
	if v == nil {
		return
	}
	b, ok := v.(bool)
	if !ok {
		c.warnType(key, "a boolean", v)
		return
	}
	*dst = b
}

func (c *Config) decodeStrings(key string, v any, dst *[]string) {
	if v == nil {
		return
	}
	items, ok := v.([]any)
	if !ok {
		c.warnType(key, "a list of strings", v)
		return
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			c.warnType(key, "a list of strings", item)
			return
		}
		out = append(out, s)
	}
	*dst = out
}

// decodeInt accepts any number. Fractional values are rounded up, which never
// keeps fewer files than the configured value asks for.
func (c *Config) decodeInt(key string, v any, dst *int) {
	var f float64
	switch n := v.(type) {
	case nil:
		return
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	default:
		c.warnType(key, "a number", v)
		return
	}

	if math.IsNaN(f) || math.Abs(f) > math.MaxInt32 {
		c.warnType(key, "a number in range", v)
		return
	}
	if r := math.Ceil(f); r != f {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: %g rounded up to %g", key, f, r))
		f = r
	}
	*dst = int(f)
}

// envLookup returns a lookup that prefers the process environment over the
// values of root/.env
func envLookup(root string) func(string) (string, bool) {
	dotenv, err := godotenv.Read(filepath.Join(root, ".env"))
	if err != nil {
		dotenv = map[string]string{}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTargets); ok && strings.TrimSpace(v) != "" {
		c.Targets = SplitTargets(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvKeepRecent, &c.KeepRecent},
		{EnvKeepDays, &c.KeepDays},
		{EnvTrashMaxDays, &c.TrashMaxDays},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", e.key, v)
		}
		*e.dst = n
	}

	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	return nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.TrashDir = os.ExpandEnv(c.TrashDir)
	c.Journal = os.ExpandEnv(c.Journal)
	c.MetricsFile = os.ExpandEnv(c.MetricsFile)
	c.Listen = os.ExpandEnv(c.Listen)
}

// SplitTargets parses a comma separated target list, dropping empty items
func SplitTargets(s string) []string {
	var targets []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			targets = append(targets, part)
		}
	}
	return targets
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("targets: at least one target is required")
	}
	if c.KeepRecent < 0 {
		return fmt.Errorf("keepRecent must not be negative: %d", c.KeepRecent)
	}
	if c.KeepDays < 0 {
		return fmt.Errorf("keepDays must not be negative: %d", c.KeepDays)
	}
	if c.TrashMaxDays < 0 {
		return fmt.Errorf("trashMaxDays must not be negative: %d", c.TrashMaxDays)
	}

	trash, err := project.CleanRel(c.TrashDir)
	if err != nil {
		return fmt.Errorf("trashDir: %w", err)
	}

	for _, target := range c.Targets {
		rel, err := project.CleanRel(target)
		if err != nil {
			return fmt.Errorf("targets: %q: %w", target, err)
		}
		if project.Within(rel, trash) {
			return fmt.Errorf("targets: %q lies inside trashDir %s", target, c.TrashDir)
		}
	}

	if c.Schedule.Cleanup != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cleanup); err != nil {
			return fmt.Errorf("schedule.cleanup: %w", err)
		}
	}
	if c.Schedule.Prune != "" {
		if _, err := cron.ParseStandard(c.Schedule.Prune); err != nil {
			return fmt.Errorf("schedule.prune: %w", err)
		}
	}

	return nil
}

// Policy returns the effective retention policy
func (c *Config) Policy() housekeeper.Policy {
	return housekeeper.Policy{
		KeepRecent:   c.KeepRecent,
		KeepDays:     c.KeepDays,
		TrashMaxDays: c.TrashMaxDays,
	}
}

// JournalPath returns the journal database path, or "" when disabled
func (c *Config) JournalPath(root string) string {
	return resolve(root, c.Journal)
}

// MetricsFilePath returns the metrics textfile path, or "" when disabled
func (c *Config) MetricsFilePath(root string) string {
	return resolve(root, c.MetricsFile)
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
