package mycontext

import "context"

type QueryOriginKey struct{}

// QueryOriginKind identifies which path issued the current operation.
// The tag is assigned exactly once, when the context for that path is
// constructed, and is the only authorization signal the catalog layer
// consults. ReplicationQueryOrigin is the reserved identity that is allowed
// to create and populate mirrored tables.
type QueryOriginKind uint8

const (
	FrontendQueryOrigin QueryOriginKind = iota
	InternalQueryOrigin
	ReplicationQueryOrigin
)

var queryOriginKey = QueryOriginKey{}

func WithQueryOrigin(ctx context.Context, kind QueryOriginKind) context.Context {
	return context.WithValue(ctx, queryOriginKey, kind)
}

func QueryOrigin(ctx context.Context) QueryOriginKind {
	if kind, ok := ctx.Value(queryOriginKey).(QueryOriginKind); ok {
		return kind
	}
	return FrontendQueryOrigin
}

func IsReplicationQuery(ctx context.Context) bool {
	return QueryOrigin(ctx) == ReplicationQueryOrigin
}
