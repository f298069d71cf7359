package explorer

import (
	"context"

	"go.uber.org/zap"
)

// Notifier shows messages to the end user.
type Notifier interface {
	ShowError(ctx context.Context, message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, message string)

// ShowError calls f.
func (f NotifierFunc) ShowError(ctx context.Context, message string) {
	f(ctx, message)
}

// LogNotifier reports user messages as warnings.
type LogNotifier struct {
	Logger *zap.Logger
}

// ShowError logs message at warn level.
func (n LogNotifier) ShowError(_ context.Context, message string) {
	n.Logger.Warn(message)
}
