// Package noop provides a publisher that discards every event.
package noop

import "context"

// Publisher drops all messages. Used when no event pipeline is configured.
type Publisher struct{}

// New returns a discarding Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish discards the payload and reports success.
func (*Publisher) Publish(_ context.Context, _ string, _ any) (string, error) {
	return "", nil
}

// Close is a no-op.
func (*Publisher) Close() error {
	return nil
}
