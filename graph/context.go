package graph

import "context"

type runInfoKey struct{}

func withRunInfo(ctx context.Context, run RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, run)
}

// RunInfoFromContext returns the identity of the run executing the current
// node. The engine installs it before every node call; nodes that persist
// records keyed by workflow use it.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	run, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return run, ok
}
