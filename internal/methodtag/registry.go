// Package methodtag maps integer method identifiers to their descriptive
// method signatures.
package methodtag

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTagNotFound is returned when an identifier has no registered tag.
var ErrTagNotFound = errors.New("method tag not found")

// Tag describes one monitored method.
type Tag struct {
	ID         int
	ClassName  string
	MethodName string
	// ParamDesc is the parenthesised parameter list, e.g. "(int, String)".
	ParamDesc string
}

// FullDesc returns the fully qualified description used in generated files.
func (t Tag) FullDesc() string {
	return t.ClassName + "." + t.MethodName + t.ParamDesc
}

// Registry is an in-memory store for method tags.
type Registry struct {
	mu   sync.RWMutex
	tags map[int]Tag
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tags: make(map[int]Tag),
	}
}

// Register adds a tag. Re-registering an identifier with the same
// description is a no-op; a different description is rejected so that
// generated files stay stable.
func (r *Registry) Register(tag Tag) error {
	if tag.ID < 0 {
		return fmt.Errorf("method id cannot be negative: %d", tag.ID)
	}
	if tag.ClassName == "" || tag.MethodName == "" {
		return fmt.Errorf("method %d: class and method name are required", tag.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tags[tag.ID]; ok {
		if existing.FullDesc() != tag.FullDesc() {
			return fmt.Errorf("method %d already registered as %q", tag.ID, existing.FullDesc())
		}
		return nil
	}

	r.tags[tag.ID] = tag
	return nil
}

// Get retrieves a tag by identifier.
func (r *Registry) Get(id int) (Tag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tag, ok := r.tags[id]
	if !ok {
		return Tag{}, fmt.Errorf("%w: %d", ErrTagNotFound, id)
	}
	return tag, nil
}

// Resolve returns the full description for an identifier.
func (r *Registry) Resolve(id int) (string, error) {
	tag, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return tag.FullDesc(), nil
}

// List returns all tags ordered by identifier.
func (r *Registry) List() []Tag {
	r.mu.RLock()
	tags := make([]Tag, 0, len(r.tags))
	for _, tag := range r.tags {
		tags = append(tags, tag)
	}
	r.mu.RUnlock()

	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return tags
}

// Len returns the number of registered tags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tags)
}
