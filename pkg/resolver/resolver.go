// Package resolver walks the model catalog hierarchy
// (model → software versions → configurations) and flattens it into the
// parameter and IO lists the facade serves.
//
// Every call re-reads the catalog. Parameters are deduplicated by catalog id;
// IO descriptors are configuration-scoped and deliberately are not, so a
// descriptor shared by two configurations is listed twice.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/maas/backend/pkg/catalog"
)

// ErrUnsupportedIOType is returned for an io type other than input or output.
var ErrUnsupportedIOType = errors.New("unsupported io type")

// DefaultConcurrency bounds parallel version and configuration fetches.
const DefaultConcurrency = 4

// Catalog is the subset of catalog.Gateway the resolver reads from.
type Catalog interface {
	ListModels(ctx context.Context) ([]catalog.Model, error)
	GetModel(ctx context.Context, name string) (catalog.Model, error)
	GetVersion(ctx context.Context, id string) (catalog.Version, error)
	GetConfiguration(ctx context.Context, id string) (catalog.Configuration, error)
	ListParameters(ctx context.Context) ([]catalog.Parameter, error)
	ConfigurationInputs(ctx context.Context, id string) ([]catalog.IOFile, error)
	ConfigurationOutputs(ctx context.Context, id string) ([]catalog.IOFile, error)
}

// Warning records a branch of the hierarchy skipped by a partial resolution.
type Warning struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Result is the outcome of a partial resolution: whatever could be resolved,
// plus one warning per skipped version or configuration.
type Result[T any] struct {
	Items    []T
	Warnings []Warning
}

// Resolver resolves model hierarchies against a catalog.
type Resolver struct {
	catalog     Catalog
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithConcurrency bounds the number of concurrent catalog fetches. A value of
// 1 walks the hierarchy sequentially.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a resolver reading from c.
func New(c Catalog, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:     c,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/vyvo/maas/backend/pkg/resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Models lists every model in the catalog.
func (r *Resolver) Models(ctx context.Context) (models []catalog.Model, err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Models")
	defer func() { endSpan(span, err) }()

	models, err = r.catalog.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return models, nil
}

// Model fetches a single model by name.
func (r *Resolver) Model(ctx context.Context, name string) (model catalog.Model, err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Model", trace.WithAttributes(attribute.String("maas.model", name)))
	defer func() { endSpan(span, err) }()

	model, err = r.catalog.GetModel(ctx, name)
	if err != nil {
		return catalog.Model{}, fmt.Errorf("resolve model %q: %w", name, err)
	}
	return model, nil
}

// ConfigurationIDs returns the configuration ids of every version of the
// model, in version order. Ids are concatenated, not deduplicated.
func (r *Resolver) ConfigurationIDs(ctx context.Context, name string) (ids []string, err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.ConfigurationIDs", trace.WithAttributes(attribute.String("maas.model", name)))
	defer func() { endSpan(span, err) }()

	ids, err = r.configurationIDs(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve configurations of %q: %w", name, err)
	}
	return ids, nil
}

// Configurations fetches every configuration of the model. A configuration
// reachable from two versions is fetched and returned once.
func (r *Resolver) Configurations(ctx context.Context, name string) (configs []catalog.Configuration, err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Configurations", trace.WithAttributes(attribute.String("maas.model", name)))
	defer func() { endSpan(span, err) }()

	ids, err := r.configurationIDs(ctx, name, nil)
	if err == nil {
		configs, err = r.configurations(ctx, ids, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve configurations of %q: %w", name, err)
	}
	return configs, nil
}

// Parameters returns the parameters used by any configuration of the model,
// each id at most once, in the order of the catalog's parameter listing. The
// first failing fetch aborts the resolution.
func (r *Resolver) Parameters(ctx context.Context, name string) ([]catalog.Parameter, error) {
	res, err := r.parameters(ctx, name, nil)
	return res.Items, err
}

// ParametersPartial is Parameters with per-branch isolation: versions and
// configurations that cannot be fetched are skipped and reported as warnings.
// The model lookup and the parameter listing remain fatal.
func (r *Resolver) ParametersPartial(ctx context.Context, name string) (Result[catalog.Parameter], error) {
	return r.parameters(ctx, name, &warnings{})
}

func (r *Resolver) parameters(ctx context.Context, name string, w *warnings) (res Result[catalog.Parameter], err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Parameters", trace.WithAttributes(attribute.String("maas.model", name)))
	defer func() { endSpan(span, err) }()

	wrap := func(err error) (Result[catalog.Parameter], error) {
		return Result[catalog.Parameter]{}, fmt.Errorf("resolve parameters of %q: %w", name, err)
	}

	ids, err := r.configurationIDs(ctx, name, w)
	if err != nil {
		return wrap(err)
	}
	configs, err := r.configurations(ctx, ids, w)
	if err != nil {
		return wrap(err)
	}

	var paramIDs []string
	for _, c := range configs {
		paramIDs = append(paramIDs, catalog.RefIDs(c.HasParameter)...)
	}
	wanted := DedupeIDs(paramIDs)

	items := []catalog.Parameter{}
	if len(wanted) > 0 {
		all, err := r.catalog.ListParameters(ctx)
		if err != nil {
			return wrap(err)
		}
		emitted := make(map[string]struct{}, len(wanted))
		for _, p := range all {
			if _, ok := wanted[p.ID]; !ok {
				continue
			}
			if _, dup := emitted[p.ID]; dup {
				continue
			}
			emitted[p.ID] = struct{}{}
			items = append(items, p)
		}
	}

	span.SetAttributes(attribute.Int("maas.configurations", len(configs)), attribute.Int("maas.parameters", len(items)))
	r.logger.Debug("resolved parameters", "model", name, "configurations", len(configs), "parameters", len(items))
	return Result[catalog.Parameter]{Items: items, Warnings: w.sorted()}, nil
}

// IO returns the input or output descriptors of every configuration of the
// model, configuration by configuration. Descriptors are normalized but not
// deduplicated across configurations.
func (r *Resolver) IO(ctx context.Context, name, kind string) ([]catalog.IOFile, error) {
	res, err := r.io(ctx, name, kind, nil)
	return res.Items, err
}

// IOPartial is IO with per-branch isolation.
func (r *Resolver) IOPartial(ctx context.Context, name, kind string) (Result[catalog.IOFile], error) {
	return r.io(ctx, name, kind, &warnings{})
}

func (r *Resolver) io(ctx context.Context, name, kind string, w *warnings) (res Result[catalog.IOFile], err error) {
	var fetch func(context.Context, string) ([]catalog.IOFile, error)
	switch kind {
	case catalog.KindInput:
		fetch = r.catalog.ConfigurationInputs
	case catalog.KindOutput:
		fetch = r.catalog.ConfigurationOutputs
	default:
		return Result[catalog.IOFile]{}, fmt.Errorf("%w: %q", ErrUnsupportedIOType, kind)
	}

	ctx, span := r.tracer.Start(ctx, "resolver.IO", trace.WithAttributes(
		attribute.String("maas.model", name),
		attribute.String("maas.io_type", kind),
	))
	defer func() { endSpan(span, err) }()

	wrap := func(err error) (Result[catalog.IOFile], error) {
		return Result[catalog.IOFile]{}, fmt.Errorf("resolve %ss of %q: %w", kind, name, err)
	}

	ids, err := r.configurationIDs(ctx, name, w)
	if err != nil {
		return wrap(err)
	}
	ids = uniqueOrdered(ids)

	perConfig := make([][]catalog.IOFile, len(ids))
	err = r.fanOut(ctx, len(ids), func(ctx context.Context, i int) error {
		files, err := fetch(ctx, ids[i])
		if err != nil {
			return w.absorb("configuration", ids[i], err)
		}
		normalized := make([]catalog.IOFile, 0, len(files))
		for _, f := range files {
			nf := f.Normalized()
			nf.Kind = kind
			normalized = append(normalized, nf)
		}
		perConfig[i] = normalized
		return nil
	})
	if err != nil {
		return wrap(err)
	}

	items := []catalog.IOFile{}
	for _, files := range perConfig {
		items = append(items, files...)
	}

	span.SetAttributes(attribute.Int("maas.configurations", len(ids)), attribute.Int("maas.io_files", len(items)))
	r.logger.Debug("resolved io", "model", name, "io_type", kind, "configurations", len(ids), "files", len(items))
	return Result[catalog.IOFile]{Items: items, Warnings: w.sorted()}, nil
}

func (r *Resolver) configurationIDs(ctx context.Context, name string, w *warnings) ([]string, error) {
	model, err := r.catalog.GetModel(ctx, name)
	if err != nil {
		return nil, err
	}

	versionIDs := catalog.RefIDs(model.HasSoftwareVersion)
	perVersion := make([][]string, len(versionIDs))
	err = r.fanOut(ctx, len(versionIDs), func(ctx context.Context, i int) error {
		v, err := r.catalog.GetVersion(ctx, versionIDs[i])
		if err != nil {
			return w.absorb("version", versionIDs[i], err)
		}
		perVersion[i] = catalog.RefIDs(v.HasConfiguration)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, cids := range perVersion {
		ids = append(ids, cids...)
	}
	return ids, nil
}

func (r *Resolver) configurations(ctx context.Context, ids []string, w *warnings) ([]catalog.Configuration, error) {
	ids = uniqueOrdered(ids)
	slots := make([]*catalog.Configuration, len(ids))
	err := r.fanOut(ctx, len(ids), func(ctx context.Context, i int) error {
		c, err := r.catalog.GetConfiguration(ctx, ids[i])
		if err != nil {
			return w.absorb("configuration", ids[i], err)
		}
		slots[i] = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	configs := make([]catalog.Configuration, 0, len(slots))
	for _, c := range slots {
		if c != nil {
			configs = append(configs, *c)
		}
	}
	return configs, nil
}

// fanOut runs fn for every index with bounded concurrency. Results are
// written by index so merges stay deterministic. Once a call fails, the
// remaining ones are not started.
func (r *Resolver) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// warnings collects skipped branches. A nil collector means fail-fast.
type warnings struct {
	mu   sync.Mutex
	list []Warning
}

func (w *warnings) absorb(entity, id string, err error) error {
	if w == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.list = append(w.list, Warning{Entity: entity, ID: id, Message: err.Error()})
	return nil
}

func (w *warnings) sorted() []Warning {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]Warning(nil), w.list...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity > out[j].Entity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
