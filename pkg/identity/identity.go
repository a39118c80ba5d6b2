// Package identity resolves the acting principal for a request, either from
// trusted proxy headers or from a JWT bearer token, and makes it available
// through the request context.
package identity

import (
	"context"
	"strings"
)

// Actor is the authenticated principal making a request.
type Actor struct {
	Principal string
	Roles     []string
}

// HasRole reports whether the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// actorCtxKey is an unexported type used as the context key for Actor.
type actorCtxKey struct{}

// WithActor returns a new context with the given Actor attached.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// FromContext retrieves the Actor from the context. Returns the zero value
// and false if no actor is set.
func FromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorCtxKey{}).(Actor)
	return actor, ok
}

// splitList parses a comma-separated header value into trimmed entries.
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
