// Package service holds the service descriptions of a namespace: named bundles of
// traffic classes that decide which classified traffic belongs to a sub-session.
package service

import (
	"sort"
	"sync"

	"GoISG/internal/engine/nehash"
	"GoISG/internal/errors"
)

const (
	// MaxClasses is the capacity of a description's class list.
	MaxClasses = 16
	// MaxNameLen is the size of a service name on the wire.
	MaxNameLen = 32
)

// ClassSource resolves traffic class names to interned classes.
type ClassSource interface {
	EnsureClass(name string) (*nehash.TrafficClass, error)
}

// Description is a named bundle of traffic classes.
// Its class list and reference count are guarded by the owning Registry.
type Description struct {
	name    string
	dynamic bool
	classes []*nehash.TrafficClass
	refs    int
}

// Name returns the service name.
func (d *Description) Name() string { return d.name }

// Dynamic reports whether the description was created implicitly.
func (d *Description) Dynamic() bool { return d.dynamic }

// Info is an exported view of a Description.
type Info struct {
	Name    string   `json:"name"`
	Dynamic bool     `json:"dynamic"`
	Classes []string `json:"classes"`
}

// Registry is the service description registry of one namespace.
type Registry struct {
	mu      sync.RWMutex
	descs   map[string]*Description
	classes ClassSource
}

// NewRegistry creates an empty registry resolving class names through classes.
func NewRegistry(classes ClassSource) *Registry {
	return &Registry{
		descs:   make(map[string]*Description),
		classes: classes,
	}
}

// ValidName reports whether name fits the wire format.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) <= MaxNameLen
}

func hasClass(d *Description, class string) bool {
	for _, c := range d.classes {
		if c.Name() == class {
			return true
		}
	}
	return false
}

// Create registers a new description holding classes. Nothing is registered
// unless every name is valid and the class list fits.
func (r *Registry) Create(name string, classes []string, dynamic bool) (*Description, error) {
	if !ValidName(name) {
		return nil, errors.Errorf(errors.KindMalformed, "invalid service name %q", name)
	}
	names := make([]string, 0, len(classes))
	seen := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		if !nehash.ValidClassName(c) {
			return nil, errors.Errorf(errors.KindMalformed, "invalid traffic class name %q", c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		names = append(names, c)
	}
	if len(names) > MaxClasses {
		return nil, errors.Errorf(errors.KindCapacityExceeded, "%d traffic classes exceed the limit of %d", len(names), MaxClasses)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[name]; ok {
		return nil, errors.Errorf(errors.KindConflict, "service description %q already exists", name)
	}
	resolved := make([]*nehash.TrafficClass, 0, len(names))
	for _, c := range names {
		tc, err := r.classes.EnsureClass(c)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, tc)
	}
	d := &Description{name: name, dynamic: dynamic, classes: resolved}
	r.descs[name] = d
	return d, nil
}

// AddClass appends class to the description called name, creating one marked
// dynamic as requested if none exists. Adding a class already present is a
// no-op. A rejected add leaves the registry and the class names untouched.
func (r *Registry) AddClass(name, class string, dynamic bool) error {
	if !ValidName(name) {
		return errors.Errorf(errors.KindMalformed, "invalid service name %q", name)
	}
	if !nehash.ValidClassName(class) {
		return errors.Errorf(errors.KindMalformed, "invalid traffic class name %q", class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if ok {
		if hasClass(d, class) {
			return nil
		}
		if len(d.classes) >= MaxClasses {
			return errors.Errorf(errors.KindCapacityExceeded, "service description %q already holds %d traffic classes", name, MaxClasses)
		}
	}
	tc, err := r.classes.EnsureClass(class)
	if err != nil {
		return err
	}
	if !ok {
		d = &Description{name: name, dynamic: dynamic}
		r.descs[name] = d
	}
	d.classes = append(d.classes, tc)
	return nil
}

// Lookup returns the description called name, or nil.
func (r *Registry) Lookup(name string) *Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.descs[name]
}

// Acquire returns the description called name with a reference taken, creating
// an empty dynamic one when it is unknown. The reference is dropped with Release.
func (r *Registry) Acquire(name string) (*Description, error) {
	if !ValidName(name) {
		return nil, errors.Errorf(errors.KindMalformed, "invalid service name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		d = &Description{name: name, dynamic: true}
		r.descs[name] = d
	}
	d.refs++
	return d, nil
}

// Release drops a reference taken by Acquire. A dynamic description that is
// left empty and unreferenced is removed. It reports whether d was removed.
func (r *Registry) Release(d *Description) bool {
	if d == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.refs > 0 {
		d.refs--
	}
	if !d.dynamic || d.refs > 0 || len(d.classes) > 0 || r.descs[d.name] != d {
		return false
	}
	delete(r.descs, d.name)
	return true
}

// SweepByClass removes class from every description and drops dynamic
// descriptions left empty. It returns the number of descriptions dropped.
func (r *Registry) SweepByClass(class string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, d := range r.descs {
		kept := d.classes[:0:0]
		for _, c := range d.classes {
			if c.Name() != class {
				kept = append(kept, c)
			}
		}
		if len(kept) == len(d.classes) {
			continue
		}
		d.classes = kept
		if d.dynamic && len(kept) == 0 {
			delete(r.descs, name)
			removed++
		}
	}
	return removed
}

// SweepClasses empties the class list of the description called name.
// A dynamic description is dropped.
func (r *Registry) SweepClasses(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "service description %q not found", name)
	}
	d.classes = nil
	if d.dynamic {
		delete(r.descs, name)
	}
	return nil
}

// SweepAll empties every description and drops all dynamic ones.
func (r *Registry) SweepAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.descs {
		d.classes = nil
		if d.dynamic {
			delete(r.descs, name)
		}
	}
}

// Contains reports whether d lists class.
func (r *Registry) Contains(d *Description, class *nehash.TrafficClass) bool {
	if d == nil || class == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return hasClass(d, class.Name())
}

// ClassCount returns the number of classes d holds.
func (r *Registry) ClassCount(d *Description) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(d.classes)
}

// Len returns the number of registered descriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs)
}

// List returns every description sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.descs))
	for _, d := range r.descs {
		info := Info{Name: d.name, Dynamic: d.dynamic, Classes: make([]string, 0, len(d.classes))}
		for _, c := range d.classes {
			info.Classes = append(info.Classes, c.Name())
		}
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
