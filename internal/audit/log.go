package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"orchid.org/internal/auth"
	"orchid.org/internal/obs"
	"orchid.org/internal/stream"
)

var feed = stream.New(64)

// Feed is the live stream every audit event is published to.
func Feed() *stream.Stream { return feed }

// Event names.
const (
	LoginSucceeded = "auth.login.succeeded"
	LoginFailed    = "auth.login.failed"
	Logout         = "auth.logout"
	Refresh        = "auth.refresh"
	Register       = "auth.register"
	AccessDenied   = "auth.access.denied"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID returns the identifier set by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an audit entry enriched with the request id and, when the
// guard has run, the acting principal. Secrets must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := obs.Logger().WithFields(logrus.Fields{
		"type":  "audit",
		"event": event,
	})
	if rid := RequestID(ctx); rid != "" {
		entry = entry.WithField("request_id", rid)
	}
	evt := stream.Event{Type: event, RequestID: RequestID(ctx)}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.WithFields(logrus.Fields{
			"account_id": p.AccountID,
			"role":       string(p.Role),
		})
		evt.AccountID, evt.Role = p.AccountID, string(p.Role)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	entry.WithField("fields", copied).Info("audit")
	evt.Fields = copied
	feed.Publish(evt)
	return nil
}
