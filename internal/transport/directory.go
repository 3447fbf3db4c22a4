package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

// DefaultDiscoveryTimeout bounds how long Resolve waits for a rack to connect.
const DefaultDiscoveryTimeout = 10 * time.Second

// ErrConnectionUnavailable means no live connection exists for the cluster
// and none appeared before the discovery timeout.
var ErrConnectionUnavailable = errors.New("no connection available")

// Directory maps cluster ids to live rack connections. The transport layer
// registers and unregisters connections; everything else only reads.
type Directory struct {
	mu      sync.RWMutex
	conns   map[string]protocol.Caller
	changed chan struct{}
	hooks   []func(clusterID string)

	discoveryTimeout time.Duration
	log              *slog.Logger
}

// NewDirectory creates an empty directory. A non-positive timeout selects
// DefaultDiscoveryTimeout.
func NewDirectory(discoveryTimeout time.Duration) *Directory {
	if discoveryTimeout <= 0 {
		discoveryTimeout = DefaultDiscoveryTimeout
	}
	return &Directory{
		conns:            make(map[string]protocol.Caller),
		changed:          make(chan struct{}),
		discoveryTimeout: discoveryTimeout,
		log:              slog.Default().With("component", "directory"),
	}
}

// OnRegister adds a hook called, in its own goroutine, after each registration.
func (d *Directory) OnRegister(fn func(clusterID string)) {
	d.mu.Lock()
	d.hooks = append(d.hooks, fn)
	d.mu.Unlock()
}

// Register makes c the connection for clusterID, replacing any previous one,
// and wakes callers blocked in Resolve.
func (d *Directory) Register(clusterID string, c protocol.Caller) {
	d.mu.Lock()
	_, replaced := d.conns[clusterID]
	d.conns[clusterID] = c
	close(d.changed)
	d.changed = make(chan struct{})
	hooks := append([]func(string){}, d.hooks...)
	d.mu.Unlock()

	d.log.Info("rack connected", "cluster", clusterID, "replaced", replaced)
	for _, fn := range hooks {
		go fn(clusterID)
	}
}

// Unregister removes c if it is still the connection for clusterID.
func (d *Directory) Unregister(clusterID string, c protocol.Caller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.conns[clusterID]; ok && cur == c {
		delete(d.conns, clusterID)
		d.log.Info("rack disconnected", "cluster", clusterID)
	}
}

// Get returns the current connection for clusterID without waiting.
func (d *Directory) Get(clusterID string) (protocol.Caller, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[clusterID]
	return c, ok
}

// Clusters returns the ids of connected clusters in sorted order.
func (d *Directory) Clusters() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Resolve returns the live connection for clusterID, waiting for one to
// register if necessary. Waiting is bounded by the discovery timeout and
// by ctx; when ctx ends first its error is returned, otherwise
// ErrConnectionUnavailable.
func (d *Directory) Resolve(ctx context.Context, clusterID string) (protocol.Caller, error) {
	timer := time.NewTimer(d.discoveryTimeout)
	defer timer.Stop()

	for {
		d.mu.RLock()
		c, ok := d.conns[clusterID]
		changed := d.changed
		d.mu.RUnlock()
		if ok {
			return c, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, fmt.Errorf("%w: cluster %s", ErrConnectionUnavailable, clusterID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
