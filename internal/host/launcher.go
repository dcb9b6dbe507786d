package host

import (
	"context"

	"github.com/abdulrahman305/jetbrains/internal/agent"
	"github.com/abdulrahman305/jetbrains/internal/config"
)

// Launcher starts one agent session serving handler.
type Launcher func(ctx context.Context, handler agent.Handler) (*agent.Session, error)

// ProcessLauncher spawns the agent process described by cfg.
func ProcessLauncher(cfg config.AgentConfig) Launcher {
	return func(ctx context.Context, handler agent.Handler) (*agent.Session, error) {
		return agent.Start(ctx, agent.Config{
			Command: cfg.Command,
			Env:     cfg.EnvList(),
			Dir:     cfg.Dir,
		}, handler)
	}
}
