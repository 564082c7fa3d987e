// Package export turns resolved feature subsets into downloadable
// containers. A single-layer export encodes one subset; a merge export
// combines several subsets under the union of their attribute schemas.
// Shapefiles carry one geometry class per file; GeoJSON has no such
// constraint.
package export

import (
	"fmt"
	"strings"

	"github.com/omondi/geoportal/internal/model"
)

type Format string

const (
	FormatShapefile Format = "shapefile"
	FormatGeoJSON   Format = "geojson"
)

// ParseFormat accepts the spellings the map client sends. The empty string
// defaults to shapefile, matching the original download behavior.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shp", "shapefile":
		return FormatShapefile, nil
	case "geojson", "json":
		return FormatGeoJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Subset is one layer's resolved selection, fully materialized.
type Subset struct {
	Layer model.Layer
	Rows  []model.FeatureRow
}

// Result reports what the encoder produced. Renamed maps original column
// names to the field names actually written, for formats that constrain
// them.
type Result struct {
	Files   []string
	Renamed map[string]string
}

// Encode writes the subsets into dir under base.* and returns the files
// written. Mixed geometry classes are only encodable to GeoJSON; asking for
// a shapefile in that case is model.ErrIncompatibleGeometryMix.
func Encode(dir, base string, format Format, subsets ...Subset) (*Result, error) {
	if len(subsets) == 0 {
		return nil, model.ErrEmptySelection
	}
	switch format {
	case FormatGeoJSON:
		return encodeGeoJSON(dir, base, subsets)
	case FormatShapefile:
		return encodeShapefile(dir, base, subsets)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// unionColumns merges the attribute schemas of all subsets, keeping each
// layer's column order and appending columns first seen in later layers.
func unionColumns(subsets []Subset) []string {
	seen := map[string]struct{}{}
	var cols []string
	for _, s := range subsets {
		for _, c := range s.Layer.Columns {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			cols = append(cols, c)
		}
	}
	return cols
}

// geometryClass reports the single geometry class of the subsets, or
// ok=false when they mix classes. Rows without geometry are ignored.
func geometryClass(subsets []Subset) (model.GeomClass, bool) {
	class := model.ClassUnknown
	for _, s := range subsets {
		for _, r := range s.Rows {
			if r.Geometry == nil {
				continue
			}
			c := model.ClassOf(r.Geometry)
			if c == model.ClassUnknown {
				continue
			}
			if class == model.ClassUnknown {
				class = c
				continue
			}
			if class != c {
				return model.ClassUnknown, false
			}
		}
	}
	return class, true
}
