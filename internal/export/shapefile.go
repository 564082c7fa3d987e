package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/omondi/geoportal/internal/model"
)

// dbf field names are capped at 10 bytes.
const maxFieldName = 10

// wgs84WKT is written as the .prj sidecar. The portal passes the stored
// reference system through; uploaded and discovered layers are EPSG:4326.
const wgs84WKT = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_84",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// encodeShapefile writes base.shp/.shx/.dbf plus .prj and .cpg sidecars.
// All subsets must share one geometry class; attribute fields are the union
// schema with names truncated and de-collided deterministically.
func encodeShapefile(dir, base string, subsets []Subset) (*Result, error) {
	class, ok := geometryClass(subsets)
	if !ok {
		return nil, fmt.Errorf("encode %s: %w", base, model.ErrIncompatibleGeometryMix)
	}

	shapeType := shapeTypeFor(class, subsets)
	cols := unionColumns(subsets)
	fieldNames, renamed := planFieldNames(cols)
	fields := buildFields(cols, fieldNames, subsets)

	shpPath := filepath.Join(dir, base+".shp")
	w, err := shp.Create(shpPath, shapeType)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", shpPath, err)
	}
	w.SetFields(fields)

	row := 0
	for _, s := range subsets {
		for _, r := range s.Rows {
			w.Write(toShape(r.Geometry, shapeType))
			for fi, c := range cols {
				v, ok := r.Attrs[c]
				if !ok || v == nil {
					continue
				}
				if err := w.WriteAttribute(row, fi, dbfValue(v)); err != nil {
					w.Close()
					return nil, fmt.Errorf("write attribute %s of row %d: %w", c, row+1, err)
				}
			}
			row++
		}
	}
	w.Close()

	prjPath := filepath.Join(dir, base+".prj")
	if err := os.WriteFile(prjPath, []byte(wgs84WKT), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", prjPath, err)
	}
	cpgPath := filepath.Join(dir, base+".cpg")
	if err := os.WriteFile(cpgPath, []byte("UTF-8"), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", cpgPath, err)
	}

	files := []string{
		shpPath,
		filepath.Join(dir, base+".shx"),
		filepath.Join(dir, base+".dbf"),
		prjPath,
		cpgPath,
	}
	return &Result{Files: files, Renamed: renamed}, nil
}

// shapeTypeFor picks the container shape type for a geometry class. A point
// class holding any MultiPoint needs the MULTIPOINT container.
func shapeTypeFor(class model.GeomClass, subsets []Subset) shp.ShapeType {
	switch class {
	case model.ClassLine:
		return shp.POLYLINE
	case model.ClassPolygon:
		return shp.POLYGON
	case model.ClassPoint:
		for _, s := range subsets {
			for _, r := range s.Rows {
				if _, ok := r.Geometry.(orb.MultiPoint); ok {
					return shp.MULTIPOINT
				}
			}
		}
		return shp.POINT
	default:
		return shp.NULL
	}
}

// planFieldNames truncates column names to the dbf limit and de-collides
// duplicates with a numeric suffix. The mapping only contains columns whose
// written name differs from the original.
func planFieldNames(cols []string) ([]string, map[string]string) {
	names := make([]string, len(cols))
	taken := map[string]struct{}{}
	renamed := map[string]string{}

	for i, c := range cols {
		name := c
		if len(name) > maxFieldName {
			name = name[:maxFieldName]
		}
		for n := 2; ; n++ {
			if _, clash := taken[name]; !clash {
				break
			}
			suffix := "_" + strconv.Itoa(n)
			name = c
			if len(name) > maxFieldName-len(suffix) {
				name = name[:maxFieldName-len(suffix)]
			}
			name += suffix
		}
		taken[name] = struct{}{}
		names[i] = name
		if name != c {
			renamed[c] = name
		}
	}
	return names, renamed
}

// buildFields narrows each column to a dbf field type by inspecting all
// values: integers stay numeric, any float widens the field, everything
// else is text sized to the longest value.
func buildFields(cols, names []string, subsets []Subset) []shp.Field {
	fields := make([]shp.Field, len(cols))
	for i, c := range cols {
		allInt, anyFloat, maxLen := true, false, 1
		for _, s := range subsets {
			for _, r := range s.Rows {
				v, ok := r.Attrs[c]
				if !ok || v == nil {
					continue
				}
				switch v.(type) {
				case int, int32, int64:
				case float32, float64:
					allInt = false
					anyFloat = true
				default:
					allInt = false
				}
				if l := len(fmt.Sprint(model.JSONSafe(v))); l > maxLen {
					maxLen = l
				}
			}
		}
		switch {
		case allInt:
			fields[i] = shp.NumberField(names[i], 20)
		case anyFloat:
			fields[i] = shp.FloatField(names[i], 24, 8)
		default:
			if maxLen > 254 {
				maxLen = 254
			}
			fields[i] = shp.StringField(names[i], uint8(maxLen))
		}
	}
	return fields
}

// dbfValue converts an attribute to a type go-shp's attribute writer
// accepts.
func dbfValue(v any) any {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case string:
		return t
	default:
		return fmt.Sprint(model.JSONSafe(v))
	}
}

// toShape converts an orb geometry into the go-shp shape for the container
// type. Rows without geometry become NULL shapes.
func toShape(g orb.Geometry, t shp.ShapeType) shp.Shape {
	if g == nil {
		return &shp.Null{}
	}
	switch geom := g.(type) {
	case orb.Point:
		if t == shp.MULTIPOINT {
			return multiPoint([]orb.Point{geom})
		}
		return &shp.Point{X: geom.X(), Y: geom.Y()}
	case orb.MultiPoint:
		return multiPoint(geom)
	case orb.LineString:
		return shp.NewPolyLine(toParts([]orb.LineString{geom}))
	case orb.MultiLineString:
		lines := make([]orb.LineString, len(geom))
		copy(lines, geom)
		return shp.NewPolyLine(toParts(lines))
	case orb.Polygon:
		return (*shp.Polygon)(shp.NewPolyLine(ringParts([]orb.Polygon{geom})))
	case orb.MultiPolygon:
		polys := make([]orb.Polygon, len(geom))
		copy(polys, geom)
		return (*shp.Polygon)(shp.NewPolyLine(ringParts(polys)))
	default:
		return &shp.Null{}
	}
}

func multiPoint(pts []orb.Point) *shp.MultiPoint {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p.X(), Y: p.Y()}
	}
	return &shp.MultiPoint{
		Box:       shp.BBoxFromPoints(out),
		NumPoints: int32(len(out)),
		Points:    out,
	}
}

func toParts(lines []orb.LineString) [][]shp.Point {
	parts := make([][]shp.Point, len(lines))
	for i, l := range lines {
		pts := make([]shp.Point, len(l))
		for j, p := range l {
			pts[j] = shp.Point{X: p.X(), Y: p.Y()}
		}
		parts[i] = pts
	}
	return parts
}

// ringParts flattens polygons to rings; the shapefile polygon type encodes
// outer and inner rings as parts of one record.
func ringParts(polys []orb.Polygon) [][]shp.Point {
	var parts [][]shp.Point
	for _, poly := range polys {
		for _, ring := range poly {
			pts := make([]shp.Point, len(ring))
			for j, p := range ring {
				pts[j] = shp.Point{X: p.X(), Y: p.Y()}
			}
			parts = append(parts, pts)
		}
	}
	return parts
}
