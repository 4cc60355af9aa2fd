// Package logctx carries a per-unit-of-work overlay of named string fields
// through context.Context and exposes it to log/slog.
//
// An Overlay belongs to exactly one unit of work. A unit forks its own overlay
// from the context it is given, so it sees the fields of the enclosing unit
// but never writes through to it, and units running concurrently on one
// shared context stay isolated. Every Push is undone by its Scope, which
// restores the previous value of each key or removes keys that were absent.
package logctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrEmptyKey is returned when a field with an empty key is bound.
var ErrEmptyKey = errors.New("logctx: empty field key")

// Field is one named value bound into an overlay.
type Field struct {
	Key   string
	Value string
}

// F constructs a Field.
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Overlay is a set of named string fields bound to the current unit of work.
type Overlay struct {
	mu     sync.RWMutex
	fields map[string]string
}

// New creates an empty overlay.
func New() *Overlay {
	return &Overlay{fields: make(map[string]string)}
}

// Get returns the value bound to key.
func (o *Overlay) Get(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.fields[key]
	return v, ok
}

// Set binds value to key, replacing any previous value.
func (o *Overlay) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fields[key] = value
	return nil
}

// Remove unbinds key.
func (o *Overlay) Remove(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.fields, key)
}

// Len returns the number of bound fields.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.fields)
}

// Snapshot returns a copy of the bound fields.
func (o *Overlay) Snapshot() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.fields))
	for k, v := range o.fields {
		out[k] = v
	}
	return out
}

// Attrs returns the bound fields as slog attributes, sorted by key.
func (o *Overlay) Attrs() []slog.Attr {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, o.fields[k]))
	}
	return attrs
}

type prior struct {
	key     string
	value   string
	present bool
}

// Scope remembers what a Push replaced so it can be undone.
type Scope struct {
	overlay  *Overlay
	priors   []prior
	restored bool
}

// Push binds fields and returns the Scope that undoes them. A field that
// cannot be bound is reported in the returned error; the remaining fields are
// still bound and the Scope is always usable.
func (o *Overlay) Push(fields ...Field) (*Scope, error) {
	s := &Scope{overlay: o, priors: make([]prior, 0, len(fields))}
	seen := make(map[string]struct{}, len(fields))
	var errs []error

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range fields {
		if f.Key == "" {
			errs = append(errs, fmt.Errorf("bind %q: %w", f.Value, ErrEmptyKey))
			continue
		}
		if _, dup := seen[f.Key]; !dup {
			seen[f.Key] = struct{}{}
			v, ok := o.fields[f.Key]
			s.priors = append(s.priors, prior{key: f.Key, value: v, present: ok})
		}
		o.fields[f.Key] = f.Value
	}
	return s, errors.Join(errs...)
}

// Restore puts back every value the Push replaced and removes keys that were
// absent before it. It is safe to call more than once.
func (s *Scope) Restore() {
	if s == nil || s.restored {
		return
	}
	s.restored = true

	o := s.overlay
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(s.priors) - 1; i >= 0; i-- {
		p := s.priors[i]
		if p.present {
			o.fields[p.key] = p.value
		} else {
			delete(o.fields, p.key)
		}
	}
}

// With binds fields for the duration of body. The fields are restored when
// body returns or panics. The returned error reports fields that could not be
// bound; body runs regardless.
func (o *Overlay) With(fields []Field, body func()) error {
	scope, err := o.Push(fields...)
	defer scope.Restore()
	body()
	return err
}

type overlayKey struct{}

// NewContext returns a copy of ctx carrying overlay.
func NewContext(ctx context.Context, overlay *Overlay) context.Context {
	return context.WithValue(ctx, overlayKey{}, overlay)
}

// FromContext returns the overlay carried by ctx, or nil.
func FromContext(ctx context.Context) *Overlay {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(overlayKey{}).(*Overlay)
	return o
}

// Ensure returns ctx and its overlay, attaching a fresh overlay when ctx has
// none.
func Ensure(ctx context.Context) (context.Context, *Overlay) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o := FromContext(ctx); o != nil {
		return ctx, o
	}
	o := New()
	return NewContext(ctx, o), o
}

// Fork returns a context carrying a new overlay seeded with the fields of the
// overlay ctx carries, if any. Changes to the fork never reach the parent.
func Fork(ctx context.Context) (context.Context, *Overlay) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := New()
	if parent := FromContext(ctx); parent != nil {
		parent.mu.RLock()
		for k, v := range parent.fields {
			o.fields[k] = v
		}
		parent.mu.RUnlock()
	}
	return NewContext(ctx, o), o
}
