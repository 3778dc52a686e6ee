package catalog

import (
	"context"
	"errors"

	"github.com/vyvo/maas/backend/pkg/normalize"
	"github.com/vyvo/maas/backend/pkg/query"
)

var (
	// ErrNotFound is returned when the catalog reports a missing entity.
	ErrNotFound = errors.New("catalog entity not found")
	// ErrUpstreamUnavailable covers transport failures and catalog-side errors.
	ErrUpstreamUnavailable = errors.New("catalog unavailable")
)

// IO kinds a configuration can enumerate.
const (
	KindInput  = "input"
	KindOutput = "output"
)

// Ref is the {"id": ...} object the model catalog uses for every relation.
type Ref struct {
	ID string `json:"id" yaml:"id"`
}

// Model is a model family as stored in the model catalog. Text fields are kept
// raw because the catalog may return them wrapped in arrays.
type Model struct {
	ID                 string `json:"id" yaml:"id"`
	Label              any    `json:"label,omitempty" yaml:"label,omitempty"`
	Description        any    `json:"description,omitempty" yaml:"description,omitempty"`
	Category           any    `json:"has_model_category,omitempty" yaml:"has_model_category,omitempty"`
	Website            any    `json:"website,omitempty" yaml:"website,omitempty"`
	HasSoftwareVersion []Ref  `json:"has_software_version,omitempty" yaml:"has_software_version,omitempty"`
}

// Version is a software version of a model.
type Version struct {
	ID               string `json:"id" yaml:"id"`
	Label            any    `json:"label,omitempty" yaml:"label,omitempty"`
	HasConfiguration []Ref  `json:"has_configuration,omitempty" yaml:"has_configuration,omitempty"`
}

// Configuration is a runnable parameterization of a version.
type Configuration struct {
	ID           string `json:"id" yaml:"id"`
	Label        any    `json:"label,omitempty" yaml:"label,omitempty"`
	Description  any    `json:"description,omitempty" yaml:"description,omitempty"`
	HasParameter []Ref  `json:"has_parameter,omitempty" yaml:"has_parameter,omitempty"`
	HasInput     []Ref  `json:"has_input,omitempty" yaml:"has_input,omitempty"`
	HasOutput    []Ref  `json:"has_output,omitempty" yaml:"has_output,omitempty"`
}

// Parameter is a configurable model parameter. HasDataType and
// HasDefaultValue are frequently returned as single-element arrays.
type Parameter struct {
	ID              string `json:"id" yaml:"id"`
	Label           any    `json:"label,omitempty" yaml:"label,omitempty"`
	Description     any    `json:"description,omitempty" yaml:"description,omitempty"`
	HasDataType     any    `json:"has_data_type,omitempty" yaml:"has_data_type,omitempty"`
	HasDefaultValue any    `json:"has_default_value,omitempty" yaml:"has_default_value,omitempty"`
}

// Variable is a standard variable attached to an IO presentation.
type Variable struct {
	ID           string `json:"id" yaml:"id"`
	Label        any    `json:"label,omitempty" yaml:"label,omitempty"`
	StandardName any    `json:"has_standard_variable,omitempty" yaml:"has_standard_variable,omitempty"`
}

// IOFile describes one input or output artifact of a configuration.
type IOFile struct {
	ID              string     `json:"id" yaml:"id"`
	Label           any        `json:"label,omitempty" yaml:"label,omitempty"`
	Description     any        `json:"description,omitempty" yaml:"description,omitempty"`
	Format          any        `json:"has_format,omitempty" yaml:"has_format,omitempty"`
	HasPresentation []Variable `json:"has_presentation,omitempty" yaml:"has_presentation,omitempty"`

	// Kind is set by the resolver, not the catalog.
	Kind string `json:"-" yaml:"-"`
}

// Normalized returns a copy of f with its scalar fields unwrapped.
func (f IOFile) Normalized() IOFile {
	out := f
	out.Label = normalize.Value(f.Label)
	out.Description = normalize.Value(f.Description)
	out.Format = normalize.Value(f.Format)
	if len(f.HasPresentation) > 0 {
		out.HasPresentation = make([]Variable, len(f.HasPresentation))
		for i, v := range f.HasPresentation {
			out.HasPresentation[i] = Variable{
				ID:           v.ID,
				Label:        normalize.Value(v.Label),
				StandardName: normalize.Value(v.StandardName),
			}
		}
	}
	return out
}

// RefIDs flattens a relation list to its ids.
func RefIDs(refs []Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.ID == "" {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids
}

// Gateway is the full set of catalog operations the facade consumes: the
// model catalog reads plus the data catalog query executors.
type Gateway interface {
	ListModels(ctx context.Context) ([]Model, error)
	GetModel(ctx context.Context, name string) (Model, error)
	GetVersion(ctx context.Context, id string) (Version, error)
	GetConfiguration(ctx context.Context, id string) (Configuration, error)
	ListParameters(ctx context.Context) ([]Parameter, error)
	ConfigurationInputs(ctx context.Context, id string) ([]IOFile, error)
	ConfigurationOutputs(ctx context.Context, id string) ([]IOFile, error)

	query.Executor
}
