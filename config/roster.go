package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🏥 协作组织名册
// =============================================================================

// rosterFile 名册文件格式
type rosterFile struct {
	Organizations []types.OrganizationTarget `yaml:"organizations"`
}

// Roster 协作组织名册，满足 federation.Registry。
// 从文件加载时可随文件变更热更新；新名册无效时保留旧名册。
type Roster struct {
	mu      sync.RWMutex
	targets []types.OrganizationTarget
	path    string
	logger  *zap.Logger
}

// NewRoster 由内联配置创建名册
func NewRoster(targets []types.OrganizationTarget, logger *zap.Logger) (*Roster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validateRoster(targets); err != nil {
		return nil, err
	}
	return &Roster{targets: sortRoster(targets), logger: logger.With(zap.String("component", "roster"))}, nil
}

// LoadRoster 从 YAML 文件加载名册
func LoadRoster(path string, logger *zap.Logger) (*Roster, error) {
	targets, err := readRoster(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRoster(targets, logger)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	r.path = path
	return r, nil
}

// RosterFromConfig 优先使用 organizations_file，否则使用内联名册
func RosterFromConfig(cfg CentralConfig, logger *zap.Logger) (*Roster, error) {
	if cfg.OrganizationsFile != "" {
		return LoadRoster(cfg.OrganizationsFile, logger)
	}
	return NewRoster(cfg.Organizations, logger)
}

// Organizations 返回当前名册的副本
func (r *Roster) Organizations(ctx context.Context) ([]types.OrganizationTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.OrganizationTarget(nil), r.targets...), nil
}

// Reload 重新读取名册文件
func (r *Roster) Reload() error {
	if r.path == "" {
		return nil
	}
	targets, err := readRoster(r.path)
	if err == nil {
		err = validateRoster(targets)
	}
	if err != nil {
		r.logger.Error("roster reload rejected, keeping previous roster", zap.String("path", r.path), zap.Error(err))
		return err
	}

	r.mu.Lock()
	r.targets = sortRoster(targets)
	r.mu.Unlock()
	r.logger.Info("roster reloaded", zap.String("path", r.path), zap.Int("organizations", len(targets)))
	return nil
}

// Watch 监听名册文件，变更后自动 Reload；调用方负责 Stop
func (r *Roster) Watch(ctx context.Context, opts ...WatcherOption) (*FileWatcher, error) {
	if r.path == "" {
		return nil, fmt.Errorf("roster was not loaded from a file")
	}
	opts = append([]WatcherOption{WithWatcherLogger(r.logger)}, opts...)
	w, err := NewFileWatcher([]string{r.path}, opts...)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove {
			r.logger.Warn("roster file removed, keeping previous roster", zap.String("path", ev.Path))
			return
		}
		_ = r.Reload()
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func readRoster(path string) ([]types.OrganizationTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	return f.Organizations, nil
}

func validateRoster(targets []types.OrganizationTarget) error {
	seen := make(map[string]bool, len(targets))
	var dup []string
	for i, t := range targets {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("organization #%d has no id", i+1)
		}
		if seen[t.ID] {
			dup = append(dup, t.ID)
		}
		seen[t.ID] = true
	}
	if len(dup) > 0 {
		return fmt.Errorf("duplicate organization ids: %s", strings.Join(dup, ", "))
	}
	return nil
}

func sortRoster(targets []types.OrganizationTarget) []types.OrganizationTarget {
	out := append([]types.OrganizationTarget(nil), targets...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
