package event

import (
	"strings"
	"sync"

	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// Transformer computes the state produced by applying an event payload to
// the current state. Implementations must not mutate either argument.
type Transformer func(current, payload statevalue.Map) statevalue.Map

// MergePayload is the default transformation: payload keys are
// shallow-merged into the current state, overwriting on collision.
//
// This is a policy choice, not a constraint. Event types needing richer
// semantics register their own Transformer.
func MergePayload(current, payload statevalue.Map) statevalue.Map {
	return statevalue.Merge(current, payload)
}

// TransformerRegistry maps event types to their state transformers.
// Unregistered types fall back to MergePayload.
type TransformerRegistry struct {
	mu     sync.RWMutex
	byType map[string]Transformer
}

// NewTransformerRegistry returns an empty registry.
func NewTransformerRegistry() *TransformerRegistry {
	return &TransformerRegistry{byType: make(map[string]Transformer)}
}

// Register installs a transformer for an event type, replacing any previous
// registration. Blank event types and nil transformers are ignored.
func (r *TransformerRegistry) Register(eventType string, transformer Transformer) {
	eventType = strings.TrimSpace(eventType)
	if r == nil || eventType == "" || transformer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = transformer
}

// Resolve returns the transformer for an event type, or MergePayload when
// none is registered.
func (r *TransformerRegistry) Resolve(eventType string) Transformer {
	if r == nil {
		return MergePayload
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if transformer, ok := r.byType[strings.TrimSpace(eventType)]; ok {
		return transformer
	}
	return MergePayload
}
