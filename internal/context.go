package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "linkproxy_data"
)

// logging metadata for a single request
type data struct {
	sessionID string
	account   string
	method    string
	status    string
}

// prepare a request context so it can carry linkproxy request info
func RequestContext(ctx context.Context) context.Context {
	d := &data{}
	return context.WithValue(ctx, ctxData, d)
}

// add the session ID to this request context. Need to have called RequestContext first.
func SetRequestContextSessionID(ctx context.Context, sessionID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sessionID = sessionID
}

func SetRequestContextInfo(ctx context.Context, account, method, status string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.account = account
	da.method = method
	da.status = status
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.account != "" {
		l = l.Str("a", da.account)
	}
	if da.method != "" {
		l = l.Str("m", da.method)
	}
	if da.status != "" {
		l = l.Str("st", da.status)
	}
	return l
}
