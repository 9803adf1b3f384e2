package model

import (
	"context"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
)

// Caller is the gateway-verified identity of the requester.
type Caller struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (c Caller) IsAdmin() bool { return c.Role == consts.RoleAdmin }

// CanAccess reports whether the caller may read a record owned by ownerID.
func (c Caller) CanAccess(ownerID string) bool {
	return c.IsAdmin() || (c.UserID != "" && c.UserID == ownerID)
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.UserID != ""
}
