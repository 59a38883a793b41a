// Package hook bridges the StoreSCP pipeline to an external pre-store
// decision point: given an instance's tags, decide whether to accept it (an
// error rejects the instance) and optionally return changed values for
// attributes tags.TagFor resolves, which are written into the dataset before
// it is stored and indexed. Returned names TagFor does not resolve are
// ignored.
package hook

import "context"

// Invoker is awaited by the StoreSCP worker without holding any lock,
// matching the context.Context-first style the rest of this stack uses for
// anything that can block. A hook that never returns blocks only the
// connection that triggered it, not the whole orchestrator.
type Invoker interface {
	Invoke(ctx context.Context, tags map[string]string) (map[string]string, error)
}

// NoopInvoker accepts every instance unchanged. It is the default when no
// hook is configured.
type NoopInvoker struct{}

// Invoke returns tags unmodified.
func (NoopInvoker) Invoke(ctx context.Context, tags map[string]string) (map[string]string, error) {
	return tags, nil
}

var _ Invoker = NoopInvoker{}
