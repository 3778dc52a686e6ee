// Package maasapi holds the MaaS response contract and the assemblers that
// reshape catalog entities into it.
package maasapi

import "github.com/vyvo/maas/backend/pkg/catalog"

// ModelSummary is the model_info response. Descriptive fields keep the first
// value when the catalog stored duplicates.
type ModelSummary struct {
	Name        string   `json:"name"`
	Label       string   `json:"label,omitempty"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Website     any      `json:"website,omitempty"`
	Versions    []string `json:"versions,omitempty"`
}

// ModelConfig pairs a model name with one of its raw configurations.
type ModelConfig struct {
	Name   string                `json:"name"`
	Config catalog.Configuration `json:"config"`
}

// Parameter is one entry of the model_parameters response.
type Parameter struct {
	ID           string `json:"id"`
	Description  any    `json:"description,omitempty"`
	Label        any    `json:"label,omitempty"`
	DataType     any    `json:"data_type,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
}

// Variable is a standard variable carried by an IO file.
type Variable struct {
	Name         any `json:"name,omitempty"`
	StandardName any `json:"standard_name,omitempty"`
}

// IOFile is one entry of the model_io response.
type IOFile struct {
	ID          string     `json:"id"`
	Name        any        `json:"name,omitempty"`
	Description any        `json:"description,omitempty"`
	Format      any        `json:"format,omitempty"`
	Type        string     `json:"type"`
	Variables   []Variable `json:"variables,omitempty"`
}

// SearchResult is one entry of the search response.
type SearchResult struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IORequest is the model_io request body.
type IORequest struct {
	Name   string `json:"name"`
	IOType string `json:"iotype"`
}

// ErrorResponse carries the textual error of a failed call.
type ErrorResponse struct {
	Message string `json:"message"`
}
