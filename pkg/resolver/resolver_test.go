package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/maas/backend/pkg/catalog"
)

func refs(ids ...string) []catalog.Ref {
	out := make([]catalog.Ref, len(ids))
	for i, id := range ids {
		out[i] = catalog.Ref{ID: id}
	}
	return out
}

func ioIDs(files []catalog.IOFile) []string {
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids
}

// exampleCatalog has two versions with one configuration each. Both
// configurations use parameter p1; their inputs overlap on "a".
func exampleCatalog() *catalog.Fixture {
	return catalog.NewFixture(catalog.FixtureData{
		Models: []catalog.Model{
			{ID: "example-model", HasSoftwareVersion: refs("v1", "v2")},
			{ID: "empty-model"},
		},
		Versions: []catalog.Version{
			{ID: "v1", HasConfiguration: refs("cfg-1")},
			{ID: "v2", HasConfiguration: refs("cfg-2")},
		},
		Configurations: []catalog.Configuration{
			{ID: "cfg-1", HasParameter: refs("p1"), HasInput: refs("a", "b"), HasOutput: refs("out-1")},
			{ID: "cfg-2", HasParameter: refs("p1"), HasInput: refs("a", "c"), HasOutput: refs("out-1")},
		},
		Parameters: []catalog.Parameter{
			{ID: "p0", Label: []any{"unused"}},
			{ID: "p1", Label: []any{"rain rate"}, HasDataType: []any{"float"}, HasDefaultValue: []any{"0.5"}},
		},
		IO: []catalog.IOFile{
			{ID: "a", Label: []any{"Rainfall"}, Format: []any{"netCDF"}},
			{ID: "b", Label: "DEM"},
			{ID: "c", Label: "Soil"},
			{ID: "out-1", Label: "Discharge"},
		},
	})
}

func TestConfigurationIDs(t *testing.T) {
	ids, err := New(exampleCatalog()).ConfigurationIDs(context.Background(), "example-model")
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg-1", "cfg-2"}, ids)
}

func TestParametersDeduplicatesAcrossConfigurations(t *testing.T) {
	f := exampleCatalog()
	params, err := New(f).Parameters(context.Background(), "example-model")
	require.NoError(t, err)

	require.Len(t, params, 1)
	assert.Equal(t, "p1", params[0].ID)
	assert.Equal(t, 1, f.CallCount("ListParameters"))
	assert.Equal(t, 2, f.CallCount("GetConfiguration"))
}

func TestParametersSharedConfigurationFetchedOnce(t *testing.T) {
	f := catalog.NewFixture(catalog.FixtureData{
		Models:         []catalog.Model{{ID: "m", HasSoftwareVersion: refs("v1", "v2")}},
		Versions:       []catalog.Version{{ID: "v1", HasConfiguration: refs("cfg")}, {ID: "v2", HasConfiguration: refs("cfg")}},
		Configurations: []catalog.Configuration{{ID: "cfg", HasParameter: refs("p1", "p2", "p1")}},
		Parameters:     []catalog.Parameter{{ID: "p2"}, {ID: "p1"}, {ID: "p1"}},
	})

	params, err := New(f).Parameters(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, []string{params[0].ID, params[1].ID})
	assert.Len(t, params, 2)
	assert.Equal(t, 1, f.CallCount("GetConfiguration:cfg"))
}

func TestParametersWithoutConfigurations(t *testing.T) {
	f := exampleCatalog()
	params, err := New(f).Parameters(context.Background(), "empty-model")
	require.NoError(t, err)
	assert.NotNil(t, params)
	assert.Empty(t, params)
	assert.Zero(t, f.CallCount("ListParameters"))
}

func TestIODoesNotDeduplicate(t *testing.T) {
	f := exampleCatalog()
	inputs, err := New(f).IO(context.Background(), "example-model", catalog.KindInput)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "a", "c"}, ioIDs(inputs))
	for _, in := range inputs {
		assert.Equal(t, catalog.KindInput, in.Kind)
	}
	assert.Equal(t, "Rainfall", inputs[0].Label)
	assert.Equal(t, "netCDF", inputs[0].Format)
}

func TestIOLengthIsSumOfConfigurationInputs(t *testing.T) {
	f := exampleCatalog()
	ctx := context.Background()
	r := New(f)

	ids, err := r.ConfigurationIDs(ctx, "example-model")
	require.NoError(t, err)
	want := 0
	for _, id := range ids {
		files, err := f.ConfigurationInputs(ctx, id)
		require.NoError(t, err)
		want += len(files)
	}

	inputs, err := r.IO(ctx, "example-model", catalog.KindInput)
	require.NoError(t, err)
	assert.Len(t, inputs, want)
}

func TestIOOutputs(t *testing.T) {
	outputs, err := New(exampleCatalog()).IO(context.Background(), "example-model", catalog.KindOutput)
	require.NoError(t, err)
	assert.Equal(t, []string{"out-1", "out-1"}, ioIDs(outputs))
}

func TestIORejectsUnknownTypeBeforeFetching(t *testing.T) {
	f := exampleCatalog()
	_, err := New(f).IO(context.Background(), "example-model", "parameter")
	assert.ErrorIs(t, err, ErrUnsupportedIOType)
	assert.Empty(t, f.Calls())
}

func TestResolutionFailsFast(t *testing.T) {
	tests := []struct {
		name     string
		failOn   string
		err      error
		resolve  func(*Resolver) error
		wantKind error
	}{
		{
			name:   "missing model",
			failOn: "",
			resolve: func(r *Resolver) error {
				_, err := r.Parameters(context.Background(), "no-such-model")
				return err
			},
			wantKind: catalog.ErrNotFound,
		},
		{
			name:   "version unavailable",
			failOn: "GetVersion:v2",
			err:    fmt.Errorf("%w: connection reset", catalog.ErrUpstreamUnavailable),
			resolve: func(r *Resolver) error {
				_, err := r.Parameters(context.Background(), "example-model")
				return err
			},
			wantKind: catalog.ErrUpstreamUnavailable,
		},
		{
			name:   "configuration missing",
			failOn: "GetConfiguration:cfg-1",
			err:    fmt.Errorf("get configuration: %w", catalog.ErrNotFound),
			resolve: func(r *Resolver) error {
				_, err := r.Configurations(context.Background(), "example-model")
				return err
			},
			wantKind: catalog.ErrNotFound,
		},
		{
			name:   "inputs unavailable",
			failOn: "ConfigurationInputs:cfg-2",
			err:    fmt.Errorf("%w: timeout", catalog.ErrUpstreamUnavailable),
			resolve: func(r *Resolver) error {
				files, err := r.IO(context.Background(), "example-model", catalog.KindInput)
				if files != nil {
					return errors.New("partial list returned")
				}
				return err
			},
			wantKind: catalog.ErrUpstreamUnavailable,
		},
		{
			name:   "parameter listing unavailable",
			failOn: "ListParameters",
			err:    fmt.Errorf("%w: 503", catalog.ErrUpstreamUnavailable),
			resolve: func(r *Resolver) error {
				_, err := r.Parameters(context.Background(), "example-model")
				return err
			},
			wantKind: catalog.ErrUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := exampleCatalog()
			if tt.failOn != "" {
				f.FailOn(tt.failOn, tt.err)
			}
			err := tt.resolve(New(f, WithConcurrency(1)))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantKind), "got %v", err)
		})
	}
}

func TestSequentialResolutionStopsAtFirstFailure(t *testing.T) {
	f := exampleCatalog()
	f.FailOn("GetVersion:v1", fmt.Errorf("%w: boom", catalog.ErrUpstreamUnavailable))

	_, err := New(f, WithConcurrency(1)).Parameters(context.Background(), "example-model")
	require.Error(t, err)
	assert.Zero(t, f.CallCount("GetVersion:v2"))
	assert.Zero(t, f.CallCount("GetConfiguration"))
}

func TestParametersPartialSkipsFailedBranches(t *testing.T) {
	f := exampleCatalog()
	f.FailOn("GetVersion:v1", fmt.Errorf("%w: boom", catalog.ErrUpstreamUnavailable))

	res, err := New(f).ParametersPartial(context.Background(), "example-model")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "p1", res.Items[0].ID)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "version", res.Warnings[0].Entity)
	assert.Equal(t, "v1", res.Warnings[0].ID)
	assert.Contains(t, res.Warnings[0].Message, "boom")
}

func TestIOPartialKeepsConfigurationOrder(t *testing.T) {
	f := exampleCatalog()
	f.FailOn("ConfigurationInputs:cfg-1", fmt.Errorf("get inputs: %w", catalog.ErrNotFound))

	res, err := New(f).IOPartial(context.Background(), "example-model", catalog.KindInput)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ioIDs(res.Items))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, Warning{Entity: "configuration", ID: "cfg-1", Message: "get inputs: catalog entity not found"}, res.Warnings[0])
}

func TestPartialModelLookupStaysFatal(t *testing.T) {
	_, err := New(exampleCatalog()).ParametersPartial(context.Background(), "no-such-model")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestResolutionHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(exampleCatalog()).ParametersPartial(ctx, "example-model")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModelsAndModel(t *testing.T) {
	r := New(exampleCatalog())
	ctx := context.Background()

	models, err := r.Models(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 2)

	m, err := r.Model(ctx, "example-model")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, catalog.RefIDs(m.HasSoftwareVersion))

	_, err = r.Model(ctx, "nope")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestConcurrentResolutionIsDeterministic(t *testing.T) {
	data := catalog.FixtureData{Models: []catalog.Model{{ID: "wide"}}}
	for v := 0; v < 8; v++ {
		vid := fmt.Sprintf("v%d", v)
		data.Models[0].HasSoftwareVersion = append(data.Models[0].HasSoftwareVersion, catalog.Ref{ID: vid})
		cid := fmt.Sprintf("cfg-%d", v)
		data.Versions = append(data.Versions, catalog.Version{ID: vid, HasConfiguration: refs(cid)})
		data.Configurations = append(data.Configurations, catalog.Configuration{ID: cid, HasInput: refs("in-" + cid)})
	}

	var want []string
	for v := 0; v < 8; v++ {
		want = append(want, fmt.Sprintf("in-cfg-%d", v))
	}

	for i := 0; i < 5; i++ {
		files, err := New(catalog.NewFixture(data), WithConcurrency(8)).IO(context.Background(), "wide", catalog.KindInput)
		require.NoError(t, err)
		assert.Equal(t, want, ioIDs(files))
	}
}

func TestDedupeIDs(t *testing.T) {
	set := DedupeIDs([]string{"p1", "p2", "p1"})
	assert.Len(t, set, 2)
	assert.Contains(t, set, "p1")
	assert.Contains(t, set, "p2")
	assert.Empty(t, DedupeIDs(nil))
}

func TestIOPartialStopsOnCatalogDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models/m", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(catalog.Model{ID: "m", HasSoftwareVersion: refs("v1")})
	})
	mux.HandleFunc("/softwareversions/v1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(catalog.Version{ID: "v1", HasConfiguration: refs("c1", "c2")})
	})
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
			_ = json.NewEncoder(w).Encode([]catalog.IOFile{{ID: "a"}})
		case <-r.Context().Done():
		}
	}
	mux.HandleFunc("/modelconfigurations/c1/inputs", slow)
	mux.HandleFunc("/modelconfigurations/c2/inputs", slow)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := catalog.NewClient(catalog.ClientConfig{ModelURL: srv.URL, DataURL: srv.URL}, srv.Client(), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := New(client).IOPartial(ctx, "m", catalog.KindInput)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.Warnings)
}
