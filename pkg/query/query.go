// Package query models the three search shapes accepted by the facade and
// routes each one to the matching data catalog executor.
//
// A payload names its shape through the query_type discriminant. The shape is
// never inferred from the other fields and there is no default: a payload
// without a known query_type is rejected before any catalog call is made.
package query

import (
	"errors"
	"time"
)

var (
	// ErrUnsupportedQueryType indicates a missing or unknown query_type.
	ErrUnsupportedQueryType = errors.New("unsupported query type")
	// ErrMalformedQuery indicates a payload that cannot be decoded or lacks
	// fields required by its variant.
	ErrMalformedQuery = errors.New("malformed query")
)

// Type is the query_type discriminant.
type Type string

const (
	TypeTime Type = "time"
	TypeGeo  Type = "geo"
	TypeText Type = "text"
)

// ResultTypeDataset is the only searchable entity kind. Variable and model
// search are not implemented by the data catalog integration.
const ResultTypeDataset = "dataset"

// DefaultEPSG is assumed when a geo query omits its coordinate system.
const DefaultEPSG = 4326

// Query is one of TimeQuery, GeoQuery or TextQuery. The set is closed: the
// marker method is unexported so no other package can add a variant.
type Query interface {
	Type() Type
	isQuery()
}

// TimeQuery selects datasets whose temporal coverage overlaps [Start, End].
type TimeQuery struct {
	StartTime  string `json:"start_time" validate:"required"`
	EndTime    string `json:"end_time" validate:"required"`
	TimeFormat string `json:"time_format,omitempty"`
	ResultType string `json:"result_type,omitempty"`

	Start time.Time `json:"-"`
	End   time.Time `json:"-"`
}

// GeoQuery selects datasets whose spatial coverage lies within a bounding box.
// Coordinates are pointers so that a zero coordinate is distinguishable from
// a missing one.
type GeoQuery struct {
	XMin       *float64 `json:"xmin" validate:"required"`
	XMax       *float64 `json:"xmax" validate:"required"`
	YMin       *float64 `json:"ymin" validate:"required"`
	YMax       *float64 `json:"ymax" validate:"required"`
	EPSG       int      `json:"epsg,omitempty" validate:"omitempty,min=1"`
	ResultType string   `json:"result_type,omitempty"`
}

// TextQuery matches a free-text term against dataset names and descriptions.
type TextQuery struct {
	Term       string `json:"term" validate:"required"`
	ResultType string `json:"result_type,omitempty"`
}

func (TimeQuery) Type() Type { return TypeTime }
func (GeoQuery) Type() Type  { return TypeGeo }
func (TextQuery) Type() Type { return TypeText }

func (TimeQuery) isQuery() {}
func (GeoQuery) isQuery()  {}
func (TextQuery) isQuery() {}

// BBox returns the bounding box as plain values. It must only be called on a
// query returned by Parse, which guarantees every coordinate is set.
func (q GeoQuery) BBox() (xmin, ymin, xmax, ymax float64) {
	return *q.XMin, *q.YMin, *q.XMax, *q.YMax
}

// Dataset is a single data catalog entry returned by a search.
type Dataset struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SearchResult is the ordered list of datasets matching a query, in the order
// the catalog returned them.
type SearchResult []Dataset
