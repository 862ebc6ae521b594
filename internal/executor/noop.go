package executor

import (
	"context"

	"github.com/applyctl/flowctl/internal/store"
)

// NoopExecutor is a placeholder Executor for local development and
// composition-root wiring: the real browser-driving agent lives
// outside this module and is swapped in by the deployment that builds
// against this interface. NoopExecutor fails every item immediately
// rather than silently pretending to submit it.
type NoopExecutor struct{}

func (NoopExecutor) RunApplication(ctx context.Context, item *store.ApplicationItem, effort store.Effort, cb Callback) (Outcome, error) {
	return Outcome{Kind: OutcomeFailed, Reason: "no_executor_configured", Detail: "composition root did not wire a real Executor"}, nil
}

func (NoopExecutor) Reset(ctx context.Context) error { return nil }

func (NoopExecutor) Close(ctx context.Context) error { return nil }
