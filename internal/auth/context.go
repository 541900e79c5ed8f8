package auth

import (
	"context"

	"gitea.jw6.us/james/calsync/internal/store"
)

type contextKey string

const contextKeyUser contextKey = "user"

func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(contextKeyUser).(*store.User)
	return u, ok && u != nil
}
