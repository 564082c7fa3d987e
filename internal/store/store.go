// Package store is the PostGIS access layer. Every scan in this package uses
// the same ordering criterion (physical ctid order), so the 1-based rowid
// assigned by one scan corresponds to the same underlying row in any other
// scan of the same unmodified table. A write to the table starts a new epoch
// and invalidates previously issued rowids; callers own that staleness
// window.
package store

import (
	"context"

	"github.com/omondi/geoportal/internal/model"
)

// Interface is the store surface the rest of the portal consumes.
// *PG implements it against PostGIS.
type Interface interface {
	// SpatialLayers enumerates the geometry_columns registry, excluding
	// system schemas. Column lists exclude the geometry column.
	SpatialLayers(ctx context.Context) ([]model.Layer, error)

	// GeometryScan returns up to limit rows in scan order, geometry decoded
	// from the stored representation, rowids 1..N. limit <= 0 means no limit.
	GeometryScan(ctx context.Context, layer model.Layer, limit int) ([]model.FeatureRow, error)

	// AttributeScan returns the column names (geometry excluded, "_rowid"
	// appended) and up to limit rows without geometry, same ordering as
	// GeometryScan.
	AttributeScan(ctx context.Context, layer model.Layer, limit int) ([]string, []model.FeatureRow, error)

	// RowCount counts the layer's rows.
	RowCount(ctx context.Context, layer model.Layer) (int, error)

	// SelectedRows materializes geometry and attributes for exactly the
	// given rowids. Ids no longer present in the current epoch are absent
	// from the result, not errors.
	SelectedRows(ctx context.Context, layer model.Layer, ids []int) ([]model.FeatureRow, error)

	// PublishLayer creates and fills a new table in one transaction. On any
	// failure nothing becomes visible to discovery.
	PublishLayer(ctx context.Context, name string, ds model.Dataset) error

	// Ping reports store connectivity.
	Ping(ctx context.Context) error
}
