package app

import (
	"fmt"
	"os"

	"plantao/internal/config"
)

// ResolveAgentAndConfig picks the active agent and ensures a config file
// exists in the workspace, seeding defaults if missing. An explicit
// override wins over the configured agent.
func ResolveAgentAndConfig(workspace, agentOverride string) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil {
		agentID := agentOverride
		if agentID == "" {
			agentID = "local-agent"
		}
		if err := seedConfig(workspace, agentID); err != nil {
			return "", nil, err
		}
		cfg = config.Default(agentID)
	}
	agentID := agentOverride
	if agentID == "" {
		agentID = cfg.Agent.ID
	}
	if agentID == "" {
		return "", nil, fmt.Errorf("agent not specified; use --agent or set agent.id in %s", config.Path(workspace))
	}
	return agentID, cfg, nil
}

func seedConfig(workspace, agentID string) error {
	path := config.Path(workspace)
	if err := os.WriteFile(path, []byte(config.GenerateDefault(agentID)), 0o644); err != nil {
		return fmt.Errorf("seed config %s: %w", path, err)
	}
	return nil
}
