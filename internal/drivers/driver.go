// Package drivers implements the power drivers a rack controller can run.
// Each driver declares its parameters as catalog fields; the rack's catalog
// is built from those declarations.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
)

// State represents the current power state of a machine.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// ErrNotImplemented is returned by drivers for operations their hardware
// cannot perform, such as powering off over Wake-on-LAN.
var ErrNotImplemented = errors.New("not implemented by this power driver")

// Params are the power parameters of one machine, keyed by field name.
type Params map[string]string

// Driver is implemented by each power control mechanism.
type Driver interface {
	// Name returns the power type identifier (e.g., "ipmi", "wol").
	Name() string

	// Description is the human-readable power type description.
	Description() string

	// Fields declares the parameters the driver reads, in display order.
	Fields() []catalog.Field

	PowerOn(ctx context.Context, p Params) error
	PowerOff(ctx context.Context, p Params) error
	PowerQuery(ctx context.Context, p Params) (State, error)
}

// Registry holds the drivers available on this rack.
type Registry struct {
	drivers map[string]Driver
	log     *slog.Logger
}

// NewRegistry creates a registry with the given drivers.
func NewRegistry(ds ...Driver) *Registry {
	r := &Registry{
		drivers: make(map[string]Driver, len(ds)),
		log:     slog.Default().With("component", "drivers"),
	}
	for _, d := range ds {
		r.drivers[d.Name()] = d
	}
	return r
}

// Defaults returns every built-in driver.
func Defaults() []Driver {
	return []Driver{
		NewIPMIDriver(),
		NewWoLDriver(),
		NewVirshDriver(),
		NewKasaDriver(),
		NewKubeVirtDriver(),
		NewManualDriver(),
	}
}

// Get returns the driver for a power type.
func (r *Registry) Get(name string) (Driver, bool) {
	d, ok := r.drivers[name]
	return d, ok
}

// Names returns the registered power types in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Documents describes every driver as catalog documents.
func (r *Registry) Documents() []catalog.TypeDoc {
	docs := make([]catalog.TypeDoc, 0, len(r.drivers))
	for _, name := range r.Names() {
		d := r.drivers[name]
		entry := catalog.TypeEntry{Name: d.Name(), Description: d.Description(), Fields: d.Fields()}
		docs = append(docs, entry.Doc())
	}
	return docs
}

// Catalog builds the rack's power type catalog from the driver declarations.
func (r *Registry) Catalog() (*catalog.Catalog, error) {
	c, err := catalog.Build(r.Documents())
	if err != nil {
		return nil, fmt.Errorf("driver catalog: %w", err)
	}
	r.log.Debug("driver catalog built", "power_types", c.Len())
	return c, nil
}

// requireParam returns the value of a parameter that must be set.
func requireParam(p Params, name string) (string, error) {
	v := p[name]
	if v == "" {
		return "", fmt.Errorf("missing power parameter %q", name)
	}
	return v, nil
}

// valueOr returns p[name], or def when unset.
func valueOr(p Params, name, def string) string {
	if v := p[name]; v != "" {
		return v
	}
	return def
}
