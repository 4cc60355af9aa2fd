// Package intercept is the plug-in point through which a message runtime
// hands completed units of work to observers such as the telemetry emitter.
package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/polisai/flowlog/pkg/domain"
)

// InitiateInterceptor observes completed initiations.
type InitiateInterceptor interface {
	InitiateCompleted(ctx context.Context, ev *domain.CompletionEvent)
}

// StageInterceptor observes stage processing.
type StageInterceptor interface {
	StageReceived(ctx context.Context, ev *domain.ReceivedEvent)
	StageCompleted(ctx context.Context, ev *domain.CompletionEvent)
}

// Interceptor observes both initiations and stages.
type Interceptor interface {
	InitiateInterceptor
	StageInterceptor
}

// LoggingInterceptor marks an interceptor that writes the flow log. A host
// keeps at most one; adding another replaces it.
type LoggingInterceptor interface {
	LoggingInterceptor()
}

// Interceptable is a host accepting interceptors.
type Interceptable interface {
	AddInitiationInterceptor(i InitiateInterceptor)
	AddStageInterceptor(i StageInterceptor)
	RemoveInitiationInterceptor(i InitiateInterceptor)
	RemoveStageInterceptor(i StageInterceptor)
}

// Install registers i for both initiations and stages on target.
func Install(target Interceptable, i Interceptor) {
	target.AddInitiationInterceptor(i)
	target.AddStageInterceptor(i)
}

// Remove unregisters i from target.
func Remove(target Interceptable, i Interceptor) {
	target.RemoveInitiationInterceptor(i)
	target.RemoveStageInterceptor(i)
}

// Registry holds interceptors in installation order and dispatches events to
// them. A panicking interceptor is logged and skipped. Registry is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	initiate []InitiateInterceptor
	stage    []StageInterceptor
	logger   *slog.Logger
}

var (
	_ Interceptable = (*Registry)(nil)
	_ Interceptor   = (*Registry)(nil)
)

// NewRegistry creates an empty registry logging interceptor failures to
// logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// sameInterceptor reports whether a and b are the same interceptor.
// Interceptors of a non-comparable dynamic type never match, so they cannot
// be removed once installed.
func sameInterceptor(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() || !va.Comparable() {
		return false
	}
	return a == b
}

func isLogging(v any) bool {
	_, ok := v.(LoggingInterceptor)
	return ok
}

func (r *Registry) AddInitiationInterceptor(i InitiateInterceptor) {
	if i == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if isLogging(i) {
		r.initiate = slices.DeleteFunc(r.initiate, func(x InitiateInterceptor) bool { return isLogging(x) })
	}
	r.initiate = append(r.initiate, i)
}

func (r *Registry) AddStageInterceptor(i StageInterceptor) {
	if i == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if isLogging(i) {
		r.stage = slices.DeleteFunc(r.stage, func(x StageInterceptor) bool { return isLogging(x) })
	}
	r.stage = append(r.stage, i)
}

func (r *Registry) RemoveInitiationInterceptor(i InitiateInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initiate = slices.DeleteFunc(r.initiate, func(x InitiateInterceptor) bool { return sameInterceptor(x, i) })
}

func (r *Registry) RemoveStageInterceptor(i StageInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = slices.DeleteFunc(r.stage, func(x StageInterceptor) bool { return sameInterceptor(x, i) })
}

// InitiationInterceptors returns a snapshot of the initiation interceptors.
func (r *Registry) InitiationInterceptors() []InitiateInterceptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.initiate)
}

// StageInterceptors returns a snapshot of the stage interceptors.
func (r *Registry) StageInterceptors() []StageInterceptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.stage)
}

func (r *Registry) InitiateCompleted(ctx context.Context, ev *domain.CompletionEvent) {
	for _, i := range r.InitiationInterceptors() {
		r.call(ctx, "initiate completed", func() { i.InitiateCompleted(ctx, ev) })
	}
}

func (r *Registry) StageReceived(ctx context.Context, ev *domain.ReceivedEvent) {
	for _, i := range r.StageInterceptors() {
		r.call(ctx, "stage received", func() { i.StageReceived(ctx, ev) })
	}
}

func (r *Registry) StageCompleted(ctx context.Context, ev *domain.CompletionEvent) {
	for _, i := range r.StageInterceptors() {
		r.call(ctx, "stage completed", func() { i.StageCompleted(ctx, ev) })
	}
}

func (r *Registry) call(ctx context.Context, op string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WarnContext(ctx, "interceptor failed",
				slog.String("operation", op),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	fn()
}
