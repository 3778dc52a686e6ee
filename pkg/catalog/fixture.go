package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/vyvo/maas/backend/pkg/query"
)

// FixtureDataset is a data catalog entry plus the coverage the fixture uses to
// answer time and geo queries.
type FixtureDataset struct {
	query.Dataset `yaml:",inline"`

	StartTime time.Time `yaml:"start_time,omitempty"`
	EndTime   time.Time `yaml:"end_time,omitempty"`
	BBox      []float64 `yaml:"bbox,omitempty"` // xmin, ymin, xmax, ymax
}

// FixtureData is the on-disk layout of a fixture catalog.
type FixtureData struct {
	Models         []Model          `yaml:"models"`
	Versions       []Version        `yaml:"versions"`
	Configurations []Configuration  `yaml:"configurations"`
	Parameters     []Parameter      `yaml:"parameters"`
	IO             []IOFile         `yaml:"io"`
	Datasets       []FixtureDataset `yaml:"datasets"`
}

// Fixture is an in-memory Gateway over a static catalog snapshot. It backs
// offline runs of the gateway and records every call it serves.
type Fixture struct {
	data           FixtureData
	models         map[string]Model
	versions       map[string]Version
	configurations map[string]Configuration
	io             map[string]IOFile

	mu       sync.Mutex
	calls    []string
	failures map[string]error
}

var _ Gateway = (*Fixture)(nil)

// NewFixture indexes data for lookup.
func NewFixture(data FixtureData) *Fixture {
	f := &Fixture{
		data:           data,
		models:         make(map[string]Model, len(data.Models)),
		versions:       make(map[string]Version, len(data.Versions)),
		configurations: make(map[string]Configuration, len(data.Configurations)),
		io:             make(map[string]IOFile, len(data.IO)),
		failures:       map[string]error{},
	}
	for _, m := range data.Models {
		f.models[m.ID] = m
	}
	for _, v := range data.Versions {
		f.versions[v.ID] = v
	}
	for _, c := range data.Configurations {
		f.configurations[c.ID] = c
	}
	for _, io := range data.IO {
		f.io[io.ID] = io
	}
	return f
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(raw []byte) (*Fixture, error) {
	var data FixtureData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return NewFixture(data), nil
}

// LoadFixture reads a YAML fixture from path.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(raw)
}

// FailOn makes the named call fail with err. Names have the form
// "GetVersion:<id>" as reported by Calls.
func (f *Fixture) FailOn(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[call] = err
}

// Calls returns the calls served so far, in order.
func (f *Fixture) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts served calls whose name starts with prefix.
func (f *Fixture) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fixture) record(op, id string) error {
	name := op
	if id != "" {
		name += ":" + id
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.failures[name]
}

func (f *Fixture) ListModels(ctx context.Context) ([]Model, error) {
	if err := f.record("ListModels", ""); err != nil {
		return nil, err
	}
	return append([]Model(nil), f.data.Models...), ctx.Err()
}

func (f *Fixture) GetModel(ctx context.Context, name string) (Model, error) {
	if err := f.record("GetModel", name); err != nil {
		return Model{}, err
	}
	m, ok := f.models[name]
	if !ok {
		return Model{}, fmt.Errorf("get model %q: %w: no model named %s", name, ErrNotFound, name)
	}
	return m, ctx.Err()
}

func (f *Fixture) GetVersion(ctx context.Context, id string) (Version, error) {
	if err := f.record("GetVersion", id); err != nil {
		return Version{}, err
	}
	v, ok := f.versions[id]
	if !ok {
		return Version{}, fmt.Errorf("get version %q: %w", id, ErrNotFound)
	}
	return v, ctx.Err()
}

func (f *Fixture) GetConfiguration(ctx context.Context, id string) (Configuration, error) {
	if err := f.record("GetConfiguration", id); err != nil {
		return Configuration{}, err
	}
	c, ok := f.configurations[id]
	if !ok {
		return Configuration{}, fmt.Errorf("get configuration %q: %w", id, ErrNotFound)
	}
	return c, ctx.Err()
}

func (f *Fixture) ListParameters(ctx context.Context) ([]Parameter, error) {
	if err := f.record("ListParameters", ""); err != nil {
		return nil, err
	}
	return append([]Parameter(nil), f.data.Parameters...), ctx.Err()
}

func (f *Fixture) ConfigurationInputs(ctx context.Context, id string) ([]IOFile, error) {
	if err := f.record("ConfigurationInputs", id); err != nil {
		return nil, err
	}
	c, ok := f.configurations[id]
	if !ok {
		return nil, fmt.Errorf("get inputs of %q: %w", id, ErrNotFound)
	}
	return f.lookupIO(c.HasInput), ctx.Err()
}

func (f *Fixture) ConfigurationOutputs(ctx context.Context, id string) ([]IOFile, error) {
	if err := f.record("ConfigurationOutputs", id); err != nil {
		return nil, err
	}
	c, ok := f.configurations[id]
	if !ok {
		return nil, fmt.Errorf("get outputs of %q: %w", id, ErrNotFound)
	}
	return f.lookupIO(c.HasOutput), ctx.Err()
}

// lookupIO resolves refs to descriptors. A ref without a descriptor entry is
// returned as a bare id, which is what the catalog does for dangling links.
func (f *Fixture) lookupIO(refs []Ref) []IOFile {
	out := make([]IOFile, 0, len(refs))
	for _, r := range refs {
		io, ok := f.io[r.ID]
		if !ok {
			io = IOFile{ID: r.ID}
		}
		out = append(out, io)
	}
	return out
}

func (f *Fixture) ExecuteTimeQuery(ctx context.Context, q query.TimeQuery) (query.SearchResult, error) {
	if err := f.record("ExecuteTimeQuery", ""); err != nil {
		return nil, err
	}
	return f.filterDatasets(func(ds FixtureDataset) bool {
		if ds.StartTime.IsZero() || ds.EndTime.IsZero() {
			return false
		}
		return !ds.StartTime.After(q.End) && !ds.EndTime.Before(q.Start)
	}), ctx.Err()
}

func (f *Fixture) ExecuteGeoQuery(ctx context.Context, q query.GeoQuery) (query.SearchResult, error) {
	if err := f.record("ExecuteGeoQuery", ""); err != nil {
		return nil, err
	}
	xmin, ymin, xmax, ymax := q.BBox()
	return f.filterDatasets(func(ds FixtureDataset) bool {
		if len(ds.BBox) != 4 {
			return false
		}
		return ds.BBox[0] >= xmin && ds.BBox[1] >= ymin && ds.BBox[2] <= xmax && ds.BBox[3] <= ymax
	}), ctx.Err()
}

func (f *Fixture) ExecuteTextQuery(ctx context.Context, q query.TextQuery) (query.SearchResult, error) {
	if err := f.record("ExecuteTextQuery", ""); err != nil {
		return nil, err
	}
	term := strings.ToLower(q.Term)
	return f.filterDatasets(func(ds FixtureDataset) bool {
		return strings.Contains(strings.ToLower(ds.Name), term) ||
			strings.Contains(strings.ToLower(ds.Description), term)
	}), ctx.Err()
}

func (f *Fixture) filterDatasets(match func(FixtureDataset) bool) query.SearchResult {
	out := query.SearchResult{}
	for _, ds := range f.data.Datasets {
		if match(ds) {
			out = append(out, ds.Dataset)
		}
	}
	return out
}
