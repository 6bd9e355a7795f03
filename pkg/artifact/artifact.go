// Package artifact decodes serialized model artifacts into predictors.
//
// Every artifact is a JSON document with a "kind" field naming its format.
// Formats are registered on a Registry; the built-in "linear" kind covers
// linear and logistic regression models.
package artifact

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// Factory builds a predictor from raw artifact bytes
type Factory func(meta models.ModelMetadata, data []byte) (mlops.Predictor, error)

// Registry maps artifact kinds to factories. It implements mlops.Decoder.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

// NewRegistry returns a registry with the built-in kinds registered
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Factory)}
	r.Register(KindLinear, decodeLinear)
	return r
}

// Register adds or replaces the factory for kind
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = f
}

// Kinds lists the registered artifact kinds
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode reads the artifact kind and hands the bytes to its factory
func (r *Registry) Decode(meta models.ModelMetadata, data []byte) (mlops.Predictor, error) {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: artifact for %s:%s is not a JSON document: %v",
			models.ErrUnsupported, meta.Name, meta.Version, err)
	}

	r.mu.RLock()
	f, ok := r.kinds[envelope.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: artifact kind %q", models.ErrUnsupported, envelope.Kind)
	}
	return f(meta, data)
}
