package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if r, ok := RequesterFromContext(ctx); ok {
		fields = append(fields, zap.String("user.id", r.UserID))
		if r.DepartmentID != "" {
			fields = append(fields, zap.String("user.department", r.DepartmentID))
		}
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type requesterCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// Requester identifies who a request runs for.
type Requester struct {
	UserID       string
	DepartmentID string
}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

// ValidateID checks that id is safe to log and to use as a key.
func ValidateID(id, name string) error {
	switch {
	case id == "":
		return fmt.Errorf("%s cannot be empty", name)
	case len(id) > maxIDLen:
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

// WithRequester adds the requester to ctx. Invalid ids are dropped rather
// than logged.
func WithRequester(ctx context.Context, r Requester) context.Context {
	if ValidateID(r.UserID, "user id") != nil {
		return ctx
	}
	if r.DepartmentID != "" && ValidateID(r.DepartmentID, "department id") != nil {
		r.DepartmentID = ""
	}
	return context.WithValue(ctx, requesterCtxKey{}, r)
}

// RequesterFromContext returns the requester set by WithRequester.
func RequesterFromContext(ctx context.Context) (Requester, bool) {
	r, ok := ctx.Value(requesterCtxKey{}).(Requester)
	return r, ok
}

// WithRequestID adds a request id to ctx. Invalid ids are dropped.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ValidateID(id, "request id") != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Wrap(nil)
}
