// firecontext.go carries per-fire metadata through context.Context so
// handlers deep in a fire can tell what triggered them without globals.
package orchestrator

import "context"

// FireContext identifies one scheduled fire.
type FireContext struct {
	Kind       string
	EntryID    string
	Background bool
}

type fireCtxKey struct{}

// ContextWithFire attaches fire metadata to ctx.
func ContextWithFire(ctx context.Context, fc FireContext) context.Context {
	return context.WithValue(ctx, fireCtxKey{}, fc)
}

// FireFrom extracts fire metadata, if present.
func FireFrom(ctx context.Context) (FireContext, bool) {
	fc, ok := ctx.Value(fireCtxKey{}).(FireContext)
	return fc, ok
}
