package localexec

import (
	"context"

	"github.com/shanelindsay/orchhub/internal/hub"
)

// Runner is the common shape of HostRunner and DockerRunner.
type Runner interface {
	Run(ctx context.Context, argv []string, cwd string, env map[string]string) (Result, error)
}

// HubAdapter satisfies hub.ExecRunner by delegating to an underlying Runner
// and converting its Result into the hub package's own result type. The
// hub package has no import of this package; this adapter is the one place
// the two types are bridged, at the wiring boundary in cmd/orchhub.
type HubAdapter struct {
	Runner Runner
}

func (a HubAdapter) Run(ctx context.Context, argv []string, cwd string, env map[string]string) (hub.ExecResult, error) {
	result, err := a.Runner.Run(ctx, argv, cwd, env)
	return hub.ExecResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, err
}
