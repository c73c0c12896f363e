package executor

import (
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/prompts"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

// BuildSystemPrompt renders the instructions that scope a unit of work to its directory
func BuildSystemPrompt(loader *prompts.Loader, task domain.TaskDefinition, cwd string, profile tiers.Profile) (string, error) {
	strategy, err := loader.StrategyHint(profile.Strategy)
	if err != nil {
		return "", err
	}

	name := task.Description
	if name == "" {
		name = string(task.Tier)
	}
	return loader.BuildSystemPrompt(prompts.SystemData{
		TaskID:   task.ID,
		Name:     name,
		Cwd:      cwd,
		Strategy: strategy,
		Hints:    task.ContextHints,
	})
}
