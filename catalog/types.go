package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Provider identifies the embedding provider that produced a collection's
// vectors. The zero value is invalid; callers must pick an explicit provider.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
	ProviderLocal  Provider = "local"
)

var (
	// ErrInvalidRecord is returned when a collection record fails validation.
	ErrInvalidRecord = errors.New("invalid collection record")
)

// EmbeddingDescriptor describes how a collection's vectors were produced.
// The core never invokes embedding generation; the descriptor is carried so
// external pipelines can reproduce the configuration.
type EmbeddingDescriptor struct {
	Provider  Provider `json:"provider"`
	ModelName string   `json:"model_name"`
	Dimension int      `json:"dimension"`

	// BaseURL is required for ProviderOllama and ignored otherwise.
	BaseURL string `json:"base_url,omitempty"`
}

// Validate checks the descriptor against per-provider requirements.
func (d EmbeddingDescriptor) Validate() error {
	if d.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive, got %d", ErrInvalidRecord, d.Dimension)
	}

	switch d.Provider {
	case ProviderOpenAI:
		if d.ModelName == "" {
			return fmt.Errorf("%w: openai provider requires a model name", ErrInvalidRecord)
		}
	case ProviderOllama:
		if d.ModelName == "" {
			return fmt.Errorf("%w: ollama provider requires a model name", ErrInvalidRecord)
		}
		if d.BaseURL == "" {
			return fmt.Errorf("%w: ollama provider requires a base URL", ErrInvalidRecord)
		}
	case ProviderLocal:
		// Model name optional for local/self-managed embeddings.
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidRecord, d.Provider)
	}

	return nil
}

// CollectionRecord is the catalog entry for one collection.
//
// ID is the stable, filesystem-safe identifier and never changes; renames only
// touch DisplayName or re-key the collection under a fresh ID.
type CollectionRecord struct {
	ID          string              `json:"id"`
	DisplayName string              `json:"display_name"`
	Embedding   EmbeddingDescriptor `json:"embedding"`
	ItemCount   int64               `json:"item_count"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Extra       map[string]string   `json:"extra,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidID reports whether id is safe to use as a directory name.
func ValidID(id string) bool {
	return id != "" && len(id) <= 128 && idPattern.MatchString(id)
}

// Validate checks the record for storage.
func (r *CollectionRecord) Validate() error {
	if !ValidID(r.ID) {
		return fmt.Errorf("%w: collection id %q is not filesystem-safe", ErrInvalidRecord, r.ID)
	}
	if r.DisplayName == "" {
		return fmt.Errorf("%w: display name must not be empty", ErrInvalidRecord)
	}
	return r.Embedding.Validate()
}

// Clone returns a deep copy of the record.
func (r *CollectionRecord) Clone() *CollectionRecord {
	out := *r
	if r.Extra != nil {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}
