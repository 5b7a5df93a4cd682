package queueaccess

import (
	"context"
	"fmt"
	"time"

	"acsmconv/internal/api"
	"acsmconv/internal/queue"
)

const pingTimeout = 750 * time.Millisecond

// Session represents a job access handle and its cleanup function.
type Session struct {
	Access Access
	close  func() error
}

// Close releases resources associated with the session.
func (s Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenWithFallback uses the daemon API when it answers, then falls back to
// direct store access.
func OpenWithFallback(
	ctx context.Context,
	client *api.Client,
	openStore func() (*queue.Store, error),
) (Session, error) {
	if client != nil && client.Ping(ctx, pingTimeout) {
		return Session{Access: NewAPIAccess(client)}, nil
	}

	if openStore == nil {
		return Session{}, fmt.Errorf("open job store: no store opener configured")
	}
	store, err := openStore()
	if err != nil {
		return Session{}, fmt.Errorf("open job store: %w", err)
	}
	return Session{
		Access: NewStoreAccess(store),
		close:  store.Close,
	}, nil
}
