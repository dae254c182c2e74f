package httpapi

import (
	"context"
)

// serverBaseCtx is canceled on gateway shutdown so an in-flight infer does
// not outlive the process. Defaults to Background if not set.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context infer handlers run
// under.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts ties a request's lifetime to both the client connection and
// the server base context: whichever dies first releases the dispatch. The
// cancel func must be called when the handler returns.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}
