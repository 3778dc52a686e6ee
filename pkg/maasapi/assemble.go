package maasapi

import (
	"github.com/vyvo/maas/backend/pkg/catalog"
	"github.com/vyvo/maas/backend/pkg/normalize"
	"github.com/vyvo/maas/backend/pkg/query"
)

// AssembleModel maps a catalog model to its summary.
func AssembleModel(m catalog.Model) ModelSummary {
	return ModelSummary{
		Name:        m.ID,
		Label:       normalize.FirstString(m.Label),
		Description: normalize.FirstString(m.Description),
		Category:    normalize.FirstString(m.Category),
		Website:     normalize.Value(m.Website),
		Versions:    catalog.RefIDs(m.HasSoftwareVersion),
	}
}

// AssembleModels maps every model, keeping catalog order.
func AssembleModels(models []catalog.Model) []ModelSummary {
	out := make([]ModelSummary, 0, len(models))
	for _, m := range models {
		out = append(out, AssembleModel(m))
	}
	return out
}

// AssembleConfigurations tags each configuration with the model it belongs to.
func AssembleConfigurations(name string, configs []catalog.Configuration) []ModelConfig {
	out := make([]ModelConfig, 0, len(configs))
	for _, c := range configs {
		out = append(out, ModelConfig{Name: name, Config: c})
	}
	return out
}

// AssembleParameters maps resolved parameters. Data type and default value are
// unwrapped from the catalog's single-element arrays.
func AssembleParameters(params []catalog.Parameter) []Parameter {
	out := make([]Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, Parameter{
			ID:           p.ID,
			Description:  normalize.Value(p.Description),
			Label:        normalize.Value(p.Label),
			DataType:     normalize.Value(p.HasDataType),
			DefaultValue: normalize.Value(p.HasDefaultValue),
		})
	}
	return out
}

// AssembleIO maps resolved IO descriptors, one entry per descriptor.
func AssembleIO(files []catalog.IOFile) []IOFile {
	out := make([]IOFile, 0, len(files))
	for _, f := range files {
		f = f.Normalized()
		io := IOFile{
			ID:          f.ID,
			Name:        f.Label,
			Description: f.Description,
			Format:      f.Format,
			Type:        f.Kind,
		}
		for _, v := range f.HasPresentation {
			io.Variables = append(io.Variables, Variable{Name: v.Label, StandardName: v.StandardName})
		}
		out = append(out, io)
	}
	return out
}

// AssembleSearch maps datasets to search results.
func AssembleSearch(res query.SearchResult) []SearchResult {
	out := make([]SearchResult, 0, len(res))
	for _, ds := range res {
		out = append(out, SearchResult{
			Type:        query.ResultTypeDataset,
			ID:          ds.ID,
			Name:        ds.Name,
			Description: ds.Description,
			Metadata:    ds.Metadata,
		})
	}
	return out
}
