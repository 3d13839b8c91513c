// Package config implements the directory-watching job/maintenance/runtime
// config loader (§4.1). Grounded on the teacher's atomic-snapshot-swap
// pattern (agent/internal/connection/manager.go's temp-file+rename
// loadState/saveState) generalized from a single JSON state file to a
// directory of hot-reloaded YAML files, and on its cobra
// config-struct-plus-envOrDefault pattern for the process-level defaults
// layered underneath the saltpeter_config block.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cronfan/cronfan/internal/types"
)

const (
	keyRuntimeConfig = "saltpeter_config"
	keyMaintenance   = "saltpeter_maintenance"
)

// Snapshot is the atomic, immutable view exposed to readers (§4.1: "readers
// never block writers; readers get a consistent snapshot").
type Snapshot struct {
	Jobs        map[string]types.JobDefinition
	Maintenance types.MaintenanceConfig
	Runtime     types.RuntimeConfig
}

// Loader watches a directory of *.yaml files and exposes the latest
// successfully parsed Snapshot.
type Loader struct {
	dir    string
	logger *zap.Logger

	current atomic.Pointer[Snapshot]

	// dirty is set by the fsnotify watch goroutine and cleared by the
	// housekeeping debounce tick that actually performs the reload; see
	// Watch.
	mu    sync.Mutex
	dirty bool
}

// New creates a Loader for dir. Call Load once before Watch to populate the
// initial snapshot; an error here is one of the two fatal startup
// conditions in §7 ("inability to read the config directory at startup").
func New(dir string, logger *zap.Logger) *Loader {
	l := &Loader{dir: dir, logger: logger.Named("config")}
	l.current.Store(&Snapshot{
		Jobs:        map[string]types.JobDefinition{},
		Maintenance: types.MaintenanceConfig{Machines: map[string]struct{}{}},
	})
	return l
}

// Current returns the latest successfully loaded snapshot.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// MarkDirty flags that the directory changed and a reload should happen on
// the next debounce tick. Safe to call from the fsnotify callback.
func (l *Loader) MarkDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

// ReloadIfDirty reloads the directory if MarkDirty was called since the
// last reload, clearing the flag either way. Intended to be driven by a
// housekeeping.Runner debounce tick (e.g. every 2s) rather than reloading
// on every individual fsnotify event, since editors commonly emit several
// events per save.
func (l *Loader) ReloadIfDirty() {
	l.mu.Lock()
	dirty := l.dirty
	l.dirty = false
	l.mu.Unlock()

	if !dirty {
		return
	}
	if err := l.Load(); err != nil {
		l.logger.Error("reload failed, keeping previous snapshot", zap.Error(err))
	}
}

// Load parses every *.yaml file in the directory and, if at least the
// directory itself was readable, atomically swaps in the new snapshot. An
// individual file that fails to parse is skipped and logged (§7:
// ConfigError — "never fatal"); the previous good snapshot for the rest of
// the directory's contents is preserved by simply not including that
// file's keys in the new snapshot — full replace semantics at the
// directory level, matching §4.1's "replaced atomically on reload".
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("config: read dir %s: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	jobs := make(map[string]types.JobDefinition)
	maint := types.MaintenanceConfig{Machines: map[string]struct{}{}}
	runtime := l.current.Load().Runtime

	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Error("skipping unreadable config file", zap.String("file", name), zap.Error(err))
			continue
		}

		var raw map[string]yaml.Node
		if err := yaml.Unmarshal(data, &raw); err != nil {
			l.logger.Error("skipping unparseable config file", zap.String("file", name), zap.Error(err))
			continue
		}

		for key, node := range raw {
			switch key {
			case keyRuntimeConfig:
				var rc yamlRuntimeConfig
				if err := node.Decode(&rc); err != nil {
					l.logger.Error("invalid saltpeter_config block", zap.String("file", name), zap.Error(err))
					continue
				}
				rc.apply(&runtime)
			case keyMaintenance:
				var mc yamlMaintenance
				if err := node.Decode(&mc); err != nil {
					l.logger.Error("invalid saltpeter_maintenance block", zap.String("file", name), zap.Error(err))
					continue
				}
				if mc.Global {
					maint.Global = true
				}
				for _, m := range mc.Machines {
					maint.Machines[m] = struct{}{}
				}
			default:
				var yj yamlJobDef
				if err := node.Decode(&yj); err != nil {
					l.logger.Error("invalid job definition, skipping", zap.String("file", name), zap.String("job", key), zap.Error(err))
					continue
				}
				jobs[key] = yj.toJobDefinition(key)
			}
		}
	}

	l.current.Store(&Snapshot{Jobs: jobs, Maintenance: maint, Runtime: runtime})
	l.logger.Info("config reloaded", zap.Int("jobs", len(jobs)), zap.Int("files", len(names)))
	return nil
}

// yamlRuntimeConfig mirrors the saltpeter_config block (§4.1). apply copies
// agent_path, log_dir, verbose and external_index_endpoints into the
// snapshot's RuntimeConfig on every load; bind/listen addresses live in
// process flags and are intentionally not part of this struct (SPEC_FULL
// §"SUPPLEMENTED FEATURES" item 2).
type yamlRuntimeConfig struct {
	AgentPath              string   `yaml:"agent_path"`
	LogDir                 string   `yaml:"log_dir"`
	Verbose                bool     `yaml:"verbose"`
	ExternalIndexEndpoints []string `yaml:"external_index_endpoints"`
}

func (rc yamlRuntimeConfig) apply(out *types.RuntimeConfig) {
	if rc.AgentPath != "" {
		out.DefaultAgentPath = rc.AgentPath
	}
	if rc.LogDir != "" {
		out.LogDir = rc.LogDir
	}
	out.Verbose = rc.Verbose
	if len(rc.ExternalIndexEndpoints) > 0 {
		out.ExternalIndexEndpoints = rc.ExternalIndexEndpoints
	}
}

type yamlMaintenance struct {
	Global   bool     `yaml:"global"`
	Machines []string `yaml:"machines"`
}

type yamlSchedule struct {
	Year       string `yaml:"year"`
	Month      string `yaml:"month"`
	DayOfMonth string `yaml:"day_of_month"`
	DayOfWeek  string `yaml:"day_of_week"`
	Hour       string `yaml:"hour"`
	Minute     string `yaml:"minute"`
	Second     string `yaml:"second"`
}

type yamlJobDef struct {
	Schedule yamlSchedule `yaml:"schedule"`

	Command   string            `yaml:"command"`
	User      string            `yaml:"user"`
	Cwd       string            `yaml:"cwd"`
	CustomEnv map[string]string `yaml:"custom_env"`

	Targets         string `yaml:"targets"`
	TargetType      string `yaml:"target_type"`
	NumberOfTargets int    `yaml:"number_of_targets"`

	Timeout int `yaml:"timeout"`
	// SoftTimeout/HardTimeout are historical variants (§9 open question):
	// parsed so they don't trip a decode error, never consulted.
	SoftTimeout int `yaml:"soft_timeout"`
	HardTimeout int `yaml:"hard_timeout"`

	UseAgent      *bool  `yaml:"use_agent"`
	AgentPath     string `yaml:"agent_path"`
	AgentLogLevel string `yaml:"agent_log_level"`
	AgentLogDir   string `yaml:"agent_log_dir"`
}

func (yj yamlJobDef) toJobDefinition(name string) types.JobDefinition {
	useAgent := true
	if yj.UseAgent != nil {
		useAgent = *yj.UseAgent
	}

	return types.JobDefinition{
		Name: name,
		Schedule: types.CronFields{
			Year:       yj.Schedule.Year,
			Month:      yj.Schedule.Month,
			DayOfMonth: yj.Schedule.DayOfMonth,
			DayOfWeek:  yj.Schedule.DayOfWeek,
			Hour:       yj.Schedule.Hour,
			Minute:     yj.Schedule.Minute,
			Second:     yj.Schedule.Second,
		},
		Command:         yj.Command,
		User:            yj.User,
		Cwd:             yj.Cwd,
		CustomEnv:       yj.CustomEnv,
		Targets:         yj.Targets,
		TargetType:      types.TargetType(yj.TargetType),
		NumberOfTargets: yj.NumberOfTargets,
		TimeoutSeconds:  yj.Timeout,
		UseAgent:        useAgent,
		AgentPath:       yj.AgentPath,
		AgentLogLevel:   yj.AgentLogLevel,
		AgentLogDir:     yj.AgentLogDir,
	}
}
