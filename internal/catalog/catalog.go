// Package catalog discovers the queryable spatial layers and gates every
// client-supplied layer name. Resolve is the portal's sole injection gate:
// a name that is not in the current discovery snapshot never reaches a query
// or a file path.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/omondi/geoportal/internal/model"
)

// Source enumerates spatial layers from the store.
type Source interface {
	SpatialLayers(ctx context.Context) ([]model.Layer, error)
}

const snapshotKey = "snapshot"

// Catalog caches discovery for a short window. It owns no data, only
// metadata; the snapshot is rebuilt after the TTL so external schema
// changes show up without restarts.
type Catalog struct {
	src   Source
	cache *expirable.LRU[string, []model.Layer]
	log   *slog.Logger
}

func New(src Source, ttl time.Duration, log *slog.Logger) *Catalog {
	return &Catalog{
		src:   src,
		cache: expirable.NewLRU[string, []model.Layer](1, nil, ttl),
		log:   log,
	}
}

// Snapshot returns the current set of layers, decorated with display title
// and deterministic color.
func (c *Catalog) Snapshot(ctx context.Context) ([]model.Layer, error) {
	if layers, ok := c.cache.Get(snapshotKey); ok {
		return layers, nil
	}

	layers, err := c.src.SpatialLayers(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog discovery: %w", err)
	}
	for i := range layers {
		layers[i].Title = model.TitleFor(layers[i].Name)
		layers[i].Color = model.ColorFor(layers[i].Name)
	}
	c.cache.Add(snapshotKey, layers)
	c.log.Debug("catalog refreshed", "layers", len(layers))
	return layers, nil
}

// Resolve maps a client-supplied name to a discovered layer, or
// model.ErrNotFound. Matching is by table name only; discovery keeps table
// names unique across schemas in practice (the portal publishes into public).
func (c *Catalog) Resolve(ctx context.Context, name string) (model.Layer, error) {
	layers, err := c.Snapshot(ctx)
	if err != nil {
		return model.Layer{}, err
	}
	for _, l := range layers {
		if l.Name == name {
			return l, nil
		}
	}
	return model.Layer{}, fmt.Errorf("resolve %q: %w", name, model.ErrNotFound)
}

// Invalidate drops the cached snapshot. Called after a successful ingest so
// the new layer is visible immediately rather than after the TTL.
func (c *Catalog) Invalidate() {
	c.cache.Purge()
}
