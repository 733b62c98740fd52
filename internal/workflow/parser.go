// Package workflow loads and validates workflow definitions from YAML and
// Lua files.
package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/courier/internal/lua"
	"github.com/mpataki/courier/internal/models"
)

func Parse(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	def.Source = path

	return &def, nil
}

// LoadAll reads every definition in dirs into a catalog. Later directories
// override earlier ones by name; missing directories are skipped.
func LoadAll(dirs []string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := NewCatalog()
	loader := lua.NewLoader(logger)

	for _, dir := range dirs {
		if err := loadFromDir(dir, c, loader); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
	}

	return c, nil
}

func loadFromDir(dir string, c *Catalog, loader *lua.Loader) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(dir, name)

		var def *models.WorkflowDefinition
		switch {
		case strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml"):
			def, err = Parse(path)
		case lua.IsLuaWorkflow(path):
			def, err = loader.Load(path)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		// Use the name from the file, or the filename without extension
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := Validate(def); err != nil {
			return fmt.Errorf("invalid workflow %s: %w", path, err)
		}

		c.Add(def)
	}

	return nil
}

func Validate(def *models.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow must have a name")
	}

	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow must define at least one step")
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step == nil {
			return fmt.Errorf("step %d is empty", i+1)
		}
		if step.ID == "" {
			return fmt.Errorf("step %d must have an id", i+1)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		if strings.ContainsAny(step.ID, `/\ `) {
			return fmt.Errorf("step id %q must not contain slashes or spaces", step.ID)
		}
		if step.Prompt == "" {
			return fmt.Errorf("step %q must have a prompt", step.ID)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %q has a negative timeout", step.ID)
		}

		switch step.Type {
		case models.StepAgentTask:
			if step.Reviews != "" {
				return fmt.Errorf("task step %q cannot review another step", step.ID)
			}
		case models.StepAgentReview:
			// review target must be an earlier task step
			target, ok := seen[step.Reviews]
			if step.Reviews == "" || !ok {
				return fmt.Errorf("review step %q must review an earlier step, got %q", step.ID, step.Reviews)
			}
			if def.Steps[target].Type != models.StepAgentTask {
				return fmt.Errorf("review step %q must review a task step", step.ID)
			}
		default:
			return fmt.Errorf("step %q has unknown type %q", step.ID, step.Type)
		}

		seen[step.ID] = i
	}

	if l := (models.Limits{}).Merge(def.Limits); l.StepRetryLimit < 0 || l.StepTimeout < 0 || l.RunTimeout < 0 ||
		l.MaxReviewIterations < 0 || l.MaxTotalIterations < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	return nil
}
