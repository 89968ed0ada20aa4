package session

import "context"

type contextKey int

const sessionKey contextKey = iota

// ContextWithSession attaches the open change session for the current turn.
// Local-write tools retrieve it to report their mutations.
func ContextWithSession(ctx context.Context, cs *ChangeSession) context.Context {
	return context.WithValue(ctx, sessionKey, cs)
}

// FromContext returns the turn's open change session, or nil.
func FromContext(ctx context.Context) *ChangeSession {
	cs, _ := ctx.Value(sessionKey).(*ChangeSession)
	return cs
}
