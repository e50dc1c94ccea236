package billing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// builtinDefaultPlan backs subscriptions whose plan is missing or unknown
// when no catalog file overrides it.
const builtinDefaultPlan = "pro"

// PlanConfig is the per-plan configuration.
type PlanConfig struct {
	Minutes float64 `yaml:"minutes"`
}

// catalogFile is the on-disk layout:
//
//	default_plan: pro
//	plans:
//	  free: {minutes: 30}
//	  pro: {minutes: 3000}
type catalogFile struct {
	DefaultPlan string                `yaml:"default_plan"`
	Plans       map[string]PlanConfig `yaml:"plans"`
}

// PlanCatalog maps plan names to their minute quota. Safe for concurrent use.
type PlanCatalog struct {
	mu          sync.RWMutex
	defaultPlan string
	plans       map[string]PlanConfig
}

// DefaultPlanCatalog returns the built-in plans.
func DefaultPlanCatalog() *PlanCatalog {
	return &PlanCatalog{
		defaultPlan: builtinDefaultPlan,
		plans: map[string]PlanConfig{
			"free":     {Minutes: 30},
			"pro":      {Minutes: 3000},
			"business": {Minutes: 10000},
		},
	}
}

// LoadPlanCatalog reads a catalog from a YAML file.
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	c := &PlanCatalog{}
	if err := c.reload(path); err != nil {
		return nil, err
	}
	return c, nil
}

// ParsePlanCatalog parses YAML catalog content.
func ParsePlanCatalog(data []byte) (*PlanCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog defines no plans")
	}

	plans := make(map[string]PlanConfig, len(f.Plans))
	for name, cfg := range f.Plans {
		if cfg.Minutes < 0 {
			return nil, fmt.Errorf("plan %q has negative minutes", name)
		}
		plans[strings.ToLower(name)] = cfg
	}

	def := strings.ToLower(f.DefaultPlan)
	if def == "" {
		def = builtinDefaultPlan
	}
	if _, ok := plans[def]; !ok {
		return nil, fmt.Errorf("default plan %q is not defined", def)
	}

	return &PlanCatalog{defaultPlan: def, plans: plans}, nil
}

// MinutesFor returns the quota for plan. Unknown plans get the default plan's
// quota and ok=false.
func (c *PlanCatalog) MinutesFor(plan string) (minutes float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cfg, found := c.plans[strings.ToLower(plan)]; found {
		return cfg.Minutes, true
	}
	return c.plans[c.defaultPlan].Minutes, false
}

// DefaultPlan names the plan assumed for subscriptions created without plan
// metadata.
func (c *PlanCatalog) DefaultPlan() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultPlan
}

// Plans returns a copy of the configured plans.
func (c *PlanCatalog) Plans() map[string]PlanConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]PlanConfig, len(c.plans))
	for k, v := range c.plans {
		out[k] = v
	}
	return out
}

func (c *PlanCatalog) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plan catalog: %w", err)
	}
	parsed, err := ParsePlanCatalog(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.defaultPlan = parsed.defaultPlan
	c.plans = parsed.plans
	c.mu.Unlock()
	return nil
}

// Watch reloads the catalog whenever path changes, until ctx is done. A file
// that fails to parse keeps the previous catalog in place.
func (c *PlanCatalog) Watch(ctx context.Context, path string, logger logrus.FieldLogger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so atomic replaces (rename over) are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.reload(path); err != nil {
					logger.WithError(err).Warn("Plan catalog reload failed, keeping previous plans")
					continue
				}
				logger.WithField("plans", len(c.Plans())).Info("Plan catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Plan catalog watcher error")
			}
		}
	}()

	return nil
}
