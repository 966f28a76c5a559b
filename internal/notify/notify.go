package notify

import (
	"context"
	"log"
)

// Notifier delivers a revealed task to one participant. Implementations
// are called after the state transition has committed; an error here is
// logged and skipped, never rolled back into the state machine.
type Notifier interface {
	Dispatch(ctx context.Context, chatID, text string) error
}

// LogNotifier writes outbound messages to a logger. Used when no
// delivery token is configured and in tests.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Dispatch(_ context.Context, chatID, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify %s: %s", chatID, text)
	return nil
}
