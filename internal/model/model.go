// Package model defines the domain types shared across the portal.
package model

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
)

// GeomClass groups concrete geometry types into the three classes a map
// client (and a shapefile) cares about.
type GeomClass string

const (
	ClassPoint   GeomClass = "point"
	ClassLine    GeomClass = "line"
	ClassPolygon GeomClass = "polygon"
	ClassUnknown GeomClass = "unknown"
)

// ClassOfType maps a PostGIS geometry_columns type name to its class.
func ClassOfType(t string) GeomClass {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "POINT", "MULTIPOINT":
		return ClassPoint
	case "LINESTRING", "MULTILINESTRING":
		return ClassLine
	case "POLYGON", "MULTIPOLYGON":
		return ClassPolygon
	default:
		return ClassUnknown
	}
}

// ClassOf reports the class of a concrete geometry value.
func ClassOf(g orb.Geometry) GeomClass {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return ClassPoint
	case orb.LineString, orb.MultiLineString:
		return ClassLine
	case orb.Polygon, orb.MultiPolygon:
		return ClassPolygon
	default:
		return ClassUnknown
	}
}

// Layer is one queryable spatial table. Identity is (Schema, Name);
// everything else is display or scan metadata derived at discovery time.
type Layer struct {
	Schema     string
	Name       string
	GeomColumn string
	GeomType   string
	SRID       int
	Title      string
	Color      string
	Columns    []string
}

func (l Layer) Class() GeomClass { return ClassOfType(l.GeomType) }

// QualifiedName returns schema.name for logging. Never use it to build SQL;
// identifiers are sanitized at the store layer.
func (l Layer) QualifiedName() string { return l.Schema + "." + l.Name }

// LayerSummary is the legend-facing view of a layer.
type LayerSummary struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Type  string `json:"type"`
	Color string `json:"color"`
}

func (l Layer) Summary() LayerSummary {
	return LayerSummary{Name: l.Name, Title: l.Title, Type: string(l.Class()), Color: l.Color}
}

// FeatureRow is one row of a layer within one scan epoch. RowID is a 1-based
// ordinal valid only for the epoch it was assigned in; it is not a key.
type FeatureRow struct {
	RowID    int
	Attrs    map[string]any
	Geometry orb.Geometry
}

// ColumnKind is the narrowed attribute type used when publishing an
// ingested dataset.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindFloat
	KindBool
	KindDate
)

// SQLType returns the PostgreSQL column type for the kind.
func (k ColumnKind) SQLType() string {
	switch k {
	case KindInt:
		return "bigint"
	case KindFloat:
		return "double precision"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	default:
		return "text"
	}
}

type Column struct {
	Name string
	Kind ColumnKind
}

// Dataset is a parsed upload ready to be published as a new layer.
type Dataset struct {
	Columns    []Column
	Rows       []map[string]any
	Geometries []orb.Geometry
	GeomType   string
	SRID       int
}

// palette matches the legend colors the map client ships with.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// ColorFor assigns a layer its display color. The same name always maps to
// the same color, with no persisted state.
func ColorFor(name string) string {
	return palette[xxhash.Sum64String(name)%uint64(len(palette))]
}

// TitleFor derives a display title from a table name.
func TitleFor(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
