// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor describes one backend a user can select.
type Descriptor struct {
	// Key is the short name users type, e.g. "gpt"
	Key string `json:"key" toml:"key" yaml:"key"`

	// UpstreamID is the model id sent to the completion endpoint
	UpstreamID string `json:"upstream_id" toml:"upstream_id" yaml:"upstream_id"`

	// DisplayName is the human-readable name
	DisplayName string `json:"display_name" toml:"display_name" yaml:"display_name"`

	// Description is a one-line summary of the backend's strengths
	Description string `json:"description" toml:"description" yaml:"description"`
}

// Title returns the display name, falling back to the key.
func (d Descriptor) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Key
}

// =============================================================================
// REGISTRY
// =============================================================================

// ErrNotFound is returned by Lookup for keys that are not registered.
var ErrNotFound = errors.New("model not found")

// DefaultKey is the key of the stock default backend.
const DefaultKey = "gpt"

// Registry is an immutable, ordered catalog of backends.
type Registry struct {
	order      []Descriptor
	byKey      map[string]int
	defaultKey string
}

// NewRegistry validates the descriptors and builds a registry. Keys are
// matched case-insensitively and must be unique; defaultKey must be one of them.
func NewRegistry(defaultKey string, descriptors ...Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("model registry: no models configured")
	}

	r := &Registry{
		order: make([]Descriptor, 0, len(descriptors)),
		byKey: make(map[string]int, len(descriptors)),
	}
	for i, d := range descriptors {
		d.Key = normalizeKey(d.Key)
		d.UpstreamID = strings.TrimSpace(d.UpstreamID)
		if d.Key == "" {
			return nil, fmt.Errorf("model registry: entry %d has an empty key", i)
		}
		if d.UpstreamID == "" {
			return nil, fmt.Errorf("model registry: %q has an empty upstream id", d.Key)
		}
		if _, dup := r.byKey[d.Key]; dup {
			return nil, fmt.Errorf("model registry: duplicate key %q", d.Key)
		}
		r.byKey[d.Key] = len(r.order)
		r.order = append(r.order, d)
	}

	defaultKey = normalizeKey(defaultKey)
	if _, ok := r.byKey[defaultKey]; !ok {
		return nil, fmt.Errorf("model registry: default key %q is not registered", defaultKey)
	}
	r.defaultKey = defaultKey
	return r, nil
}

// Lookup returns the descriptor registered under key.
func (r *Registry) Lookup(key string) (Descriptor, error) {
	i, ok := r.byKey[normalizeKey(key)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return r.order[i], nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.byKey[normalizeKey(key)]
	return ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Keys returns all keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.order))
	for i, d := range r.order {
		keys[i] = d.Key
	}
	return keys
}

// DefaultKey returns the key new sessions start with.
func (r *Registry) DefaultKey() string {
	return r.defaultKey
}

// Default returns the descriptor for DefaultKey.
func (r *Registry) Default() Descriptor {
	return r.order[r.byKey[r.defaultKey]]
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.order)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// =============================================================================
// STOCK CATALOG
// =============================================================================

// BuiltinDescriptors is the stock OpenRouter catalog, in menu order.
var BuiltinDescriptors = []Descriptor{
	{
		Key:         "gpt",
		UpstreamID:  "openai/gpt-4o-mini",
		DisplayName: "GPT-4o Mini",
		Description: "Fast and inexpensive general assistant",
	},
	{
		Key:         "claude",
		UpstreamID:  "anthropic/claude-3-haiku",
		DisplayName: "Claude 3 Haiku",
		Description: "Careful writing and summarisation",
	},
	{
		Key:         "llama",
		UpstreamID:  "meta-llama/llama-3.1-8b-instruct",
		DisplayName: "Llama 3.1 8B",
		Description: "Open model, quick everyday answers",
	},
	{
		Key:         "gemini",
		UpstreamID:  "google/gemini-flash-1.5",
		DisplayName: "Gemini Flash 1.5",
		Description: "Long answers with low latency",
	},
	{
		Key:         "mistral",
		UpstreamID:  "mistralai/mistral-7b-instruct",
		DisplayName: "Mistral 7B",
		Description: "Compact European model",
	},
	{
		Key:         "deepseek",
		UpstreamID:  "deepseek/deepseek-chat",
		DisplayName: "DeepSeek Chat",
		Description: "Strong at code and reasoning",
	},
}

// Builtin returns a registry holding BuiltinDescriptors with DefaultKey as default.
func Builtin() *Registry {
	r, err := NewRegistry(DefaultKey, BuiltinDescriptors...)
	if err != nil {
		// The stock catalog is a compile-time constant; failing here is a programming error.
		panic(err)
	}
	return r
}
