package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"

	"github.com/omondi/geoportal/internal/model"
)

// encodeGeoJSON writes one FeatureCollection holding every subset's rows.
// The attribute schema is the union of all input columns; a row missing a
// column carries an explicit null for it. Geometry types are passed through
// untouched.
func encodeGeoJSON(dir, base string, subsets []Subset) (*Result, error) {
	cols := unionColumns(subsets)

	fc := geojson.NewFeatureCollection()
	for _, s := range subsets {
		for _, r := range s.Rows {
			ft := geojson.NewFeature(r.Geometry)
			props := make(geojson.Properties, len(cols)+1)
			for _, c := range cols {
				if v, ok := r.Attrs[c]; ok {
					props[c] = model.JSONSafe(v)
				} else {
					props[c] = nil
				}
			}
			props["_rowid"] = r.RowID
			ft.Properties = props
			fc.Append(ft)
		}
	}

	buf, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal FeatureCollection: %w", err)
	}

	path := filepath.Join(dir, base+".geojson")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &Result{Files: []string{path}}, nil
}
