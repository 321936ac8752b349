// Package client implements the chat client session.
package client

import "context"

// Client defines the operations a front end drives a chat session with.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Join(username string) error
	SendText(text string) error
	SendFile(ctx context.Context, path, displayName string) error
}

var _ Client = (*Session)(nil)
