package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownPowerType is returned for lookups of a name the registry does not hold.
var ErrUnknownPowerType = errors.New("unknown power type")

// Registry is the region-wide, merged view of every rack's catalog.
// Merges are additive: once a name is registered its entry never changes.
// Reads take a shared lock; writes build a new entry list, validate it,
// and swap it in.
type Registry struct {
	mu      sync.RWMutex
	entries []TypeEntry
	index   map[string]int
	log     *slog.Logger
}

// NewRegistry returns a registry holding only the NoPowerType entry.
func NewRegistry() *Registry {
	return &Registry{
		entries: []TypeEntry{emptyEntry()},
		index:   map[string]int{NoPowerType: 0},
		log:     slog.Default().With("component", "catalog"),
	}
}

// AddPowerType registers a power type. If name is already present the call is
// a no-op, even when description or fields differ; a warning is logged in that
// case. Otherwise the fields are revalidated, the entry is appended, and the
// whole registry is checked against CatalogSchema before the change is
// committed. added reports whether the registry changed.
func (r *Registry) AddPowerType(name, description string, fields []Field) (added bool, err error) {
	entry := TypeEntry{Name: name, Description: description, Fields: make([]Field, 0, len(fields))}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	if err := checkFieldNames(name, names); err != nil {
		return false, err
	}
	for _, f := range fields {
		if err := validateFieldDoc(f.Doc()); err != nil {
			return false, err
		}
		entry.Fields = append(entry.Fields, f.clone())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(entry)
}

func (r *Registry) addLocked(entry TypeEntry) (bool, error) {
	if i, ok := r.index[entry.Name]; ok {
		if !r.entries[i].equal(entry) {
			r.log.Warn("power type already registered with different parameters, keeping first",
				"power_type", entry.Name,
				"description", r.entries[i].Description,
				"ignored_description", entry.Description)
		}
		return false, nil
	}
	next := make([]TypeEntry, len(r.entries), len(r.entries)+1)
	copy(next, r.entries)
	next = append(next, entry)
	if err := validateEntries(next); err != nil {
		return false, err
	}

	r.entries = next
	r.index[entry.Name] = len(next) - 1
	r.log.Debug("power type registered", "power_type", entry.Name, "fields", len(entry.Fields))
	return true, nil
}

// Merge adds every entry of c that the registry does not hold yet. The merge
// is applied atomically: either every new entry is committed or none is.
// It returns the names that were added.
func (r *Registry) Merge(c *Catalog) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]TypeEntry, len(r.entries))
	copy(next, r.entries)
	index := make(map[string]int, len(r.index))
	for k, v := range r.index {
		index[k] = v
	}

	var added []string
	for _, name := range c.Names() {
		entry := c.entries[name]
		if i, ok := index[name]; ok {
			if !next[i].equal(entry) {
				r.log.Warn("power type already registered with different parameters, keeping first",
					"power_type", name,
					"description", next[i].Description,
					"ignored_description", entry.Description)
			}
			continue
		}
		next = append(next, entry.clone())
		index[name] = len(next) - 1
		added = append(added, name)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := validateEntries(next); err != nil {
		return nil, err
	}
	r.entries = next
	r.index = index
	return added, nil
}

func validateEntries(entries []TypeEntry) error {
	docs := make([]TypeDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, e.Doc())
	}
	return ValidateDocuments(docs)
}

// PowerTypes returns the flat name -> description view.
func (r *Registry) PowerTypes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		out[e.Name] = e.Description
	}
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// Fields returns the ordered parameters of a power type.
func (r *Registry) Fields(name string) ([]Field, error) {
	e, err := r.Entry(name)
	if err != nil {
		return nil, err
	}
	return e.Fields, nil
}

// Entry returns a copy of the entry registered under name.
func (r *Registry) Entry(name string) (TypeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return TypeEntry{}, fmt.Errorf("%w: %q", ErrUnknownPowerType, name)
	}
	return r.entries[i].clone(), nil
}

// Snapshot returns the registry contents as an immutable Catalog.
func (r *Registry) Snapshot() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make(map[string]TypeEntry, len(r.entries))
	for _, e := range r.entries {
		entries[e.Name] = e.clone()
	}
	return &Catalog{entries: entries}
}

// ValidateParameters checks params against the fields of powerType: required
// fields must have a value (or a default) and every supplied value must satisfy
// its field kind. Keys that match no field are ignored.
func (r *Registry) ValidateParameters(powerType string, params map[string]string) error {
	fields, err := r.Fields(powerType)
	if err != nil {
		return err
	}
	return CheckParameters(fields, params)
}

// CheckParameters validates params against an ordered field list.
func CheckParameters(fields []Field, params map[string]string) error {
	var errs []error
	for _, f := range fields {
		if err := f.Check(params[f.Name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid power parameters: %w", errors.Join(errs...))
	}
	return nil
}

// Default is the process-wide registry used by the region controller. Tests
// and embedders construct their own with NewRegistry.
var Default = NewRegistry()
