package testsupport

import (
	"context"
	"testing"

	"acsmconv/internal/config"
	"acsmconv/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob inserts a received job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, id, target string) *queue.Job {
	t.Helper()

	job := &queue.Job{
		ID:           id,
		ACSMPath:     "/uploads/" + id + ".acsm",
		ManifestHash: "hash-" + id,
		Title:        "Book " + id,
		SourceFormat: "epub",
		TargetFormat: target,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
