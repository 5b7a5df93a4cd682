// Package registry bounds how many conversion jobs run at once and serializes
// access to the ADEPT device activation.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	"acsmconv/internal/metrics"
)

const lockPollInterval = 100 * time.Millisecond

// Registry admits jobs up to a fixed ceiling.
type Registry struct {
	lockDir string
	limit   int64
	sem     *semaphore.Weighted
	running atomic.Int64
	waiting atomic.Int64

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Stats is a point-in-time view of registry occupancy.
type Stats struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// Permit is one admitted job's slot.
type Permit struct {
	registry *Registry
	once     sync.Once
}

// New returns a registry that admits at most limit concurrent jobs. Activation
// lock files are kept in lockDir.
func New(limit int, lockDir string) (*Registry, error) {
	if limit <= 0 {
		return nil, errors.New("registry limit must be positive")
	}
	if lockDir == "" {
		return nil, errors.New("registry lock directory is required")
	}
	return &Registry{
		lockDir: lockDir,
		limit:   int64(limit),
		sem:     semaphore.NewWeighted(int64(limit)),
		locks:   make(map[string]chan struct{}),
	}, nil
}

// Admit blocks until a slot is free or ctx ends.
func (r *Registry) Admit(ctx context.Context) (*Permit, error) {
	r.waiting.Add(1)
	r.publish()
	err := r.sem.Acquire(ctx, 1)
	r.waiting.Add(-1)
	if err != nil {
		r.publish()
		return nil, err
	}
	r.running.Add(1)
	r.publish()
	return &Permit{registry: r}, nil
}

// Release frees the slot. Later calls are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.registry.running.Add(-1)
		p.registry.sem.Release(1)
		p.registry.publish()
	})
}

// Stats reports current occupancy.
func (r *Registry) Stats() Stats {
	return Stats{
		Limit:   int(r.limit),
		Running: int(r.running.Load()),
		Waiting: int(r.waiting.Load()),
	}
}

func (r *Registry) publish() {
	metrics.SetRegistry(int(r.running.Load()), int(r.waiting.Load()))
}

// LockFilePath returns the lock file guarding the activation in dir. The
// activation directory itself is never written.
func LockFilePath(lockDir, dir string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(dir)))
	return filepath.Join(lockDir, "activation-"+hex.EncodeToString(sum[:6])+".lock")
}

// LockActivation serializes work on the activation in dir. Within the process
// a channel mutex orders callers; a file lock in the registry's lock directory
// excludes other processes such as a CLI conversion running beside the daemon.
// The returned function releases both and is safe to call more than once.
func (r *Registry) LockActivation(ctx context.Context, dir string) (func(), error) {
	key := filepath.Clean(dir)
	ch := r.activationChan(key)

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := os.MkdirAll(r.lockDir, 0o755); err != nil {
		<-ch
		return nil, fmt.Errorf("lock activation %s: %w", key, err)
	}
	fileLock := flock.New(LockFilePath(r.lockDir, key))
	locked, err := fileLock.TryLockContext(ctx, lockPollInterval)
	if err != nil || !locked {
		<-ch
		if err == nil {
			err = errors.New("activation lock not acquired")
		}
		return nil, fmt.Errorf("lock activation %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = fileLock.Unlock()
			<-ch
		})
	}, nil
}

func (r *Registry) activationChan(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch
}
