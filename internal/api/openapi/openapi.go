// Package openapi embeds the HTTP contract of the /api/v1 surface.
//
// Import Path: farmops.io/bulkops/internal/api/openapi
package openapi

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// BasePath is the prefix the contract's paths are served under.
const BasePath = "/api/v1"

//go:embed openapi.yaml
var specYAML []byte

var load = sync.OnceValues(func() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return doc, nil
})

// Load returns the parsed and validated contract. The document is shared;
// callers must not modify it.
func Load() (*openapi3.T, error) {
	return load()
}

// Raw returns the contract as YAML.
func Raw() []byte {
	out := make([]byte, len(specYAML))
	copy(out, specYAML)
	return out
}
