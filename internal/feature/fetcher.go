// Package feature retrieves a layer's rows for display: geometry mode as a
// GeoJSON FeatureCollection, attribute mode as (columns, rows). Both modes
// run against the same scan ordering, so the _rowid values they carry agree
// within one epoch.
package feature

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb/geojson"

	"github.com/omondi/geoportal/internal/model"
)

// Scanner is the store surface the fetcher needs.
type Scanner interface {
	GeometryScan(ctx context.Context, layer model.Layer, limit int) ([]model.FeatureRow, error)
	AttributeScan(ctx context.Context, layer model.Layer, limit int) ([]string, []model.FeatureRow, error)
}

type Fetcher struct {
	store Scanner
	limit int
	log   *slog.Logger
}

// New builds a fetcher whose scans are capped at limit rows (limit <= 0
// means unlimited). The same cap applies to both modes.
func New(store Scanner, limit int, log *slog.Logger) *Fetcher {
	return &Fetcher{store: store, limit: limit, log: log}
}

// Geometry returns the layer as a FeatureCollection. Each feature's
// properties hold all non-geometry columns plus "_rowid".
func (f *Fetcher) Geometry(ctx context.Context, layer model.Layer) (*geojson.FeatureCollection, error) {
	rows, err := f.store.GeometryScan(ctx, layer, f.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch geometry of %s: %w", layer.QualifiedName(), err)
	}

	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		ft := geojson.NewFeature(r.Geometry)
		props := make(geojson.Properties, len(r.Attrs)+1)
		for k, v := range r.Attrs {
			props[k] = model.JSONSafe(v)
		}
		props["_rowid"] = r.RowID
		ft.Properties = props
		fc.Append(ft)
	}
	return fc, nil
}

// AttributeTable is the tabular view of a layer, geometry excluded.
type AttributeTable struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Attributes returns the layer's attribute table. limit <= 0 falls back to
// the fetcher's configured cap so a caller cannot widen the epoch window by
// omitting the parameter.
func (f *Fetcher) Attributes(ctx context.Context, layer model.Layer, limit int) (*AttributeTable, error) {
	if limit <= 0 || (f.limit > 0 && limit > f.limit) {
		limit = f.limit
	}
	cols, rows, err := f.store.AttributeScan(ctx, layer, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch attributes of %s: %w", layer.QualifiedName(), err)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		m := make(map[string]any, len(r.Attrs)+1)
		for k, v := range r.Attrs {
			m[k] = model.JSONSafe(v)
		}
		m["_rowid"] = r.RowID
		out = append(out, m)
	}
	return &AttributeTable{Columns: cols, Rows: out}, nil
}

