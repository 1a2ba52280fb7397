package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxLogin ctxKey = iota
	ctxAdmin
)

func WithIdentity(ctx context.Context, login string, admin bool) context.Context {
	ctx = context.WithValue(ctx, ctxLogin, login)
	ctx = context.WithValue(ctx, ctxAdmin, admin)
	return ctx
}

func Login(ctx context.Context) (string, error) {
	v := ctx.Value(ctxLogin)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("login not in context")
}

func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(ctxAdmin).(bool)
	return v
}
