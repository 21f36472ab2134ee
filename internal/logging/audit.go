// Package logging provides audit logging for control-plane operations.
package logging

import (
	"context"
	"log/slog"
)

// Logger wraps slog for structured audit logging.
type Logger struct {
	*slog.Logger
	caller []slog.Attr
	event  string
}

// Wrap creates an audit logger on top of an existing slog logger.
func Wrap(l *slog.Logger) *Logger {
	return &Logger{Logger: l}
}

// WithCaller returns a new Logger that tags every record with the D-Bus
// caller.
func (l *Logger) WithCaller(sender string, uid uint32, process string) *Logger {
	attrs := []slog.Attr{
		slog.String("sender", sender),
		slog.Any("uid", uid),
	}
	if process != "" {
		attrs = append(attrs, slog.String("process", process))
	}
	return &Logger{
		Logger: l.Logger,
		caller: attrs,
		event:  l.event,
	}
}

// WithEvent returns a Logger that records calls under event instead of
// "dbus_call".
func (l *Logger) WithEvent(event string) *Logger {
	return &Logger{Logger: l.Logger, caller: l.caller, event: event}
}

// LogMethod logs a D-Bus method call with its result.
func (l *Logger) LogMethod(ctx context.Context, method string, args map[string]any, result string, err error) {
	attrs := make([]slog.Attr, 0, len(l.caller)+len(args)+3)
	attrs = append(attrs, l.caller...)
	attrs = append(attrs,
		slog.String("method", method),
		slog.String("result", result),
	)
	for k, v := range args {
		attrs = append(attrs, slog.Any(k, v))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	event := l.event
	if event == "" {
		event = "dbus_call"
	}
	l.LogAttrs(ctx, slog.LevelInfo, event, attrs...)
}

// LogActivate logs an activation request.
func (l *Logger) LogActivate(ctx context.Context, connection, device, active string, result string, err error) {
	l.LogMethod(ctx, "ActivateConnection", map[string]any{
		"connection": connection,
		"device":     device,
		"active":     active,
	}, result, err)
}

// LogDeactivate logs a deactivation request.
func (l *Logger) LogDeactivate(ctx context.Context, method, target string, result string, err error) {
	l.LogMethod(ctx, method, map[string]any{"target": target}, result, err)
}

// LogSettings logs a change to the stored connection profiles.
func (l *Logger) LogSettings(ctx context.Context, method, uuid, name string, result string, err error) {
	args := map[string]any{"uuid": uuid}
	if name != "" {
		args["name"] = name
	}
	l.LogMethod(ctx, method, args, result, err)
}

// LogDenied logs a privileged call refused for lack of authorization.
func (l *Logger) LogDenied(ctx context.Context, method string) {
	l.LogMethod(ctx, method, nil, "denied", nil)
}
