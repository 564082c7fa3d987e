// Package portal composes the catalog, store, exporter and ingestion
// pipeline into the operations the HTTP layer exposes.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/omondi/geoportal/internal/cache"
	"github.com/omondi/geoportal/internal/catalog"
	"github.com/omondi/geoportal/internal/export"
	"github.com/omondi/geoportal/internal/feature"
	"github.com/omondi/geoportal/internal/ingest"
	"github.com/omondi/geoportal/internal/model"
	"github.com/omondi/geoportal/internal/observability"
	"github.com/omondi/geoportal/internal/selection"
	"github.com/omondi/geoportal/internal/store"
)

// LayerSelection names one layer and the rowids picked on it.
type LayerSelection struct {
	Layer string `json:"layer"`
	Rows  RowIDs `json:"selected"`
}

// Archive is a finished export ready to stream to the client.
type Archive struct {
	Name    string
	Body    []byte
	Renamed map[string]string
}

type Service struct {
	store      store.Interface
	cat        *catalog.Catalog
	fetcher    *feature.Fetcher
	pipeline   *ingest.Pipeline
	layerCache *cache.LayerCache
	exportRoot string
	log        *slog.Logger
}

func New(
	st store.Interface,
	cat *catalog.Catalog,
	fetcher *feature.Fetcher,
	pipeline *ingest.Pipeline,
	exportRoot string,
	log *slog.Logger,
) *Service {
	return &Service{
		store:      st,
		cat:        cat,
		fetcher:    fetcher,
		pipeline:   pipeline,
		exportRoot: exportRoot,
		log:        log,
	}
}

// WithLayerCache enables the optional Redis body cache for geometry fetches.
func (s *Service) WithLayerCache(lc *cache.LayerCache) *Service {
	s.layerCache = lc
	return s
}

// ListLayers returns the visible catalog, decorated for the map client.
func (s *Service) ListLayers(ctx context.Context) ([]model.LayerSummary, error) {
	layers, err := s.cat.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrServiceUnavailable, err)
	}
	out := make([]model.LayerSummary, len(layers))
	for i, l := range layers {
		out[i] = l.Summary()
	}
	return out, nil
}

// FetchGeometry renders a layer as a GeoJSON FeatureCollection body. When a
// layer cache is configured the rendered body is reused within its TTL.
func (s *Service) FetchGeometry(ctx context.Context, name string) ([]byte, error) {
	layer, err := s.cat.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	if s.layerCache != nil {
		if body, ok := s.layerCache.Get(ctx, layer.QualifiedName()); ok {
			return body, nil
		}
	}

	fc, err := s.fetcher.Geometry(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrServiceUnavailable, err)
	}
	body, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode feature collection: %w", err)
	}

	if s.layerCache != nil {
		if err := s.layerCache.Put(ctx, layer.QualifiedName(), body); err != nil {
			s.log.Warn("layer cache write failed", "layer", layer.QualifiedName(), "error", err)
		}
	}
	return body, nil
}

// FetchAttributes returns the layer's attribute table, geometry omitted.
func (s *Service) FetchAttributes(ctx context.Context, name string, limit int) (*feature.AttributeTable, error) {
	layer, err := s.cat.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	table, err := s.fetcher.Attributes(ctx, layer, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrServiceUnavailable, err)
	}
	return table, nil
}

// Export materializes one layer's selection and packages it in the requested
// format. Rowids outside the layer's current extent are ignored; an entirely
// out-of-range selection is model.ErrEmptySelection.
func (s *Service) Export(ctx context.Context, sel LayerSelection, format export.Format) (*Archive, error) {
	layer, err := s.cat.Resolve(ctx, sel.Layer)
	if err != nil {
		return nil, err
	}

	subset, err := s.materialize(ctx, layer, sel.Rows)
	if err != nil {
		observability.IncExport(string(format), err)
		return nil, err
	}

	arch, err := s.encode(format, layer.Name+"_selection", *subset)
	observability.IncExport(string(format), err)
	return arch, err
}

// MergeExport combines selections across layers into a single container.
// Unknown layers and empty per-layer selections are skipped; when nothing
// survives the result is model.ErrNoValidLayers.
func (s *Service) MergeExport(ctx context.Context, sels []LayerSelection, format export.Format) (*Archive, error) {
	var subsets []export.Subset
	for _, sel := range sels {
		layer, err := s.cat.Resolve(ctx, sel.Layer)
		if err != nil {
			s.log.Info("merge export skipping layer", "layer", sel.Layer, "error", err)
			continue
		}
		subset, err := s.materialize(ctx, layer, sel.Rows)
		if err != nil {
			if isSkippable(err) {
				s.log.Info("merge export skipping layer", "layer", sel.Layer, "error", err)
				continue
			}
			observability.IncExport(string(format), err)
			return nil, err
		}
		subsets = append(subsets, *subset)
	}
	if len(subsets) == 0 {
		observability.IncExport(string(format), model.ErrNoValidLayers)
		return nil, model.ErrNoValidLayers
	}

	arch, err := s.encode(format, "merged_selection", subsets...)
	observability.IncExport(string(format), err)
	return arch, err
}

// Ingest publishes an uploaded archive as a new layer and refreshes the
// catalog so the layer is immediately listable.
func (s *Service) Ingest(ctx context.Context, archive []byte, desiredName string) (string, error) {
	name, err := s.pipeline.Run(ctx, archive, desiredName)
	if err != nil {
		return "", err
	}
	s.cat.Invalidate()
	if s.layerCache != nil {
		// a previously dropped table may have left a body under this name
		if err := s.layerCache.Drop(ctx, "public."+name); err != nil {
			s.log.Warn("layer cache drop failed", "layer", name, "error", err)
		}
	}
	return name, nil
}

// materialize validates the selection against the layer's current extent and
// loads exactly the surviving rows.
func (s *Service) materialize(ctx context.Context, layer model.Layer, rows []int) (*export.Subset, error) {
	count, err := s.store.RowCount(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	ids, err := selection.Resolve(rows, count)
	if err != nil {
		return nil, err
	}
	feats, err := s.store.SelectedRows(ctx, layer, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	if len(feats) == 0 {
		return nil, model.ErrEmptySelection
	}
	return &export.Subset{Layer: layer, Rows: feats}, nil
}

func (s *Service) encode(format export.Format, base string, subsets ...export.Subset) (*Archive, error) {
	job, err := export.NewJob(s.exportRoot, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	defer func() {
		if err := job.Close(); err != nil {
			s.log.Warn("export cleanup failed", "error", err)
		}
	}()

	res, err := export.Encode(job.Dir(), job.Base(), format, subsets...)
	if err != nil {
		return nil, err
	}
	body, err := job.Package(res.Files)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	return &Archive{Name: job.ArchiveName(), Body: body, Renamed: res.Renamed}, nil
}

// isSkippable reports whether a per-layer failure should drop the layer from
// a merge rather than abort the whole export.
func isSkippable(err error) bool {
	return errors.Is(err, model.ErrEmptySelection) || errors.Is(err, model.ErrNotFound)
}
