// Package ingest loads an uploaded zipped shapefile as a new catalog layer.
// The pipeline is a small state machine; every failure short-circuits to
// Rejected, the store write is a single transaction, and the unpack scratch
// directory is removed whichever terminal state is reached.
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/omondi/geoportal/internal/logger"
	"github.com/omondi/geoportal/internal/model"
	"github.com/omondi/geoportal/internal/observability"
)

type State int

const (
	StateReceived State = iota
	StateUnpacked
	StateParsed
	StateValidated
	StatePublished
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateUnpacked:
		return "unpacked"
	case StateParsed:
		return "parsed"
	case StateValidated:
		return "validated"
	case StatePublished:
		return "published"
	default:
		return "rejected"
	}
}

// Publisher performs the atomic store write.
type Publisher interface {
	PublishLayer(ctx context.Context, name string, ds model.Dataset) error
}

// Resolver answers whether a name is already taken. Satisfied by the
// catalog.
type Resolver interface {
	Resolve(ctx context.Context, name string) (model.Layer, error)
}

type Pipeline struct {
	pub  Publisher
	cat  Resolver
	root string
	log  *slog.Logger
}

func New(pub Publisher, cat Resolver, root string, log *slog.Logger) *Pipeline {
	return &Pipeline{pub: pub, cat: cat, root: root, log: log}
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Run drives one upload through the pipeline and returns the published
// layer name. Any returned error means the terminal state was Rejected and
// nothing became visible to discovery.
func (p *Pipeline) Run(ctx context.Context, archive []byte, desiredName string) (string, error) {
	ctx = logger.WithComponent(ctx, "ingest")

	name, err := p.receive(ctx, desiredName)
	if err != nil {
		return "", p.reject(ctx, StateReceived, err)
	}

	dir, err := os.MkdirTemp(p.root, "ingest_")
	if err != nil {
		return "", p.reject(ctx, StateReceived, fmt.Errorf("create ingest scratch dir: %w", err))
	}
	defer os.RemoveAll(dir)

	shpPath, err := unpack(archive, dir)
	if err != nil {
		return "", p.reject(ctx, StateUnpacked, err)
	}
	p.log.DebugContext(ctx, "upload unpacked", "layer", name, "shp", filepath.Base(shpPath))

	ds, err := parseShapefile(shpPath)
	if err != nil {
		return "", p.reject(ctx, StateParsed, err)
	}
	p.log.DebugContext(ctx, "upload parsed", "layer", name, "rows", len(ds.Rows))

	if len(ds.Rows) == 0 {
		return "", p.reject(ctx, StateValidated, fmt.Errorf("validate %q: %w", name, model.ErrEmptyDataset))
	}

	if err := p.pub.PublishLayer(ctx, name, ds); err != nil {
		return "", p.reject(ctx, StateValidated, fmt.Errorf("publish %q: %w: %w", name, model.ErrWriteFailed, err))
	}

	observability.IncIngest(StatePublished.String())
	p.log.InfoContext(ctx, "upload published", "layer", name, "rows", len(ds.Rows), "geom_type", ds.GeomType)
	return name, nil
}

func (p *Pipeline) reject(ctx context.Context, at State, err error) error {
	observability.IncIngest(StateRejected.String())
	p.log.WarnContext(ctx, "upload rejected", "at", at.String(), "err", err)
	return err
}

// receive validates the desired name: identifier-safe and not claimed by an
// existing layer.
func (p *Pipeline) receive(ctx context.Context, desired string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(desired))
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("receive %q: %w", desired, model.ErrInvalidName)
	}
	_, err := p.cat.Resolve(ctx, name)
	switch {
	case err == nil:
		return "", fmt.Errorf("receive %q: %w", name, model.ErrNameConflict)
	case errors.Is(err, model.ErrNotFound):
		return name, nil
	default:
		return "", fmt.Errorf("check name %q: %w", name, err)
	}
}

// shapefile member extensions worth extracting; everything else in the
// archive is ignored.
var keepExt = map[string]bool{".shp": true, ".shx": true, ".dbf": true, ".prj": true, ".cpg": true}

// unpack extracts the shapefile members flat into dir and returns the path
// of the primary .shp. Entry names are flattened to their base name, so an
// archive cannot write outside dir.
func unpack(archive []byte, dir string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", fmt.Errorf("open upload: %w: %w", model.ErrInvalidArchive, err)
	}

	shpPath := ""
	for _, f := range zr.File {
		base := filepath.Base(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(base, ".") || strings.Contains(f.Name, "__MACOSX") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(base))
		if !keepExt[ext] {
			continue
		}
		dst := filepath.Join(dir, base)
		if err := extractMember(f, dst); err != nil {
			return "", err
		}
		if ext == ".shp" && shpPath == "" {
			shpPath = dst
		}
	}
	if shpPath == "" {
		return "", fmt.Errorf("no .shp member in upload: %w", model.ErrInvalidArchive)
	}
	return shpPath, nil
}

func extractMember(f *zip.File, dst string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive member %s: %w: %w", f.Name, model.ErrInvalidArchive, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(dst), err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("extract %s: %w: %w", filepath.Base(dst), model.ErrInvalidArchive, err)
	}
	return nil
}

// parseShapefile reads geometries and attributes into a Dataset ready for
// publishing. Attribute columns are narrowed from the dbf field
// descriptors; values that fail to parse under the declared type fall back
// to nil rather than aborting the upload.
func parseShapefile(path string) (model.Dataset, error) {
	r, err := shp.Open(path)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("read shapefile: %w: %w", model.ErrInvalidArchive, err)
	}
	defer r.Close()

	cols := datasetColumns(r.Fields())

	ds := model.Dataset{SRID: 4326, Columns: cols}

	for r.Next() {
		n, shape := r.Shape()
		ds.Geometries = append(ds.Geometries, toOrb(shape))

		row := make(map[string]any, len(cols))
		for fi, c := range cols {
			row[c.Name] = parseAttr(r.ReadAttribute(n, fi), c.Kind)
		}
		ds.Rows = append(ds.Rows, row)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return model.Dataset{}, fmt.Errorf("iterate shapefile: %w: %w", model.ErrInvalidArchive, err)
	}

	ds.GeomType = geomTypeOf(ds.Geometries)
	promoteGeometries(&ds)
	return ds, nil
}

// datasetColumns maps dbf field descriptors to store columns. Names are
// lowercased for PostgreSQL; a field literally named "geom" is shifted
// aside so it cannot collide with the geometry column.
func datasetColumns(fields []shp.Field) []model.Column {
	out := make([]model.Column, 0, len(fields))
	for _, f := range fields {
		name := strings.ToLower(f.String())
		if name == "" {
			name = "field_" + strconv.Itoa(len(out)+1)
		}
		if name == "geom" {
			name = "geom_attr"
		}
		kind := model.KindText
		switch f.Fieldtype {
		case 'N':
			if f.Precision > 0 {
				kind = model.KindFloat
			} else {
				kind = model.KindInt
			}
		case 'F':
			kind = model.KindFloat
		case 'L':
			kind = model.KindBool
		case 'D':
			kind = model.KindDate
		}
		out = append(out, model.Column{Name: name, Kind: kind})
	}
	return out
}

func parseAttr(raw string, kind model.ColumnKind) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	switch kind {
	case model.KindInt:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case model.KindFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case model.KindBool:
		switch strings.ToUpper(s) {
		case "T", "Y", "TRUE", "1":
			return true
		case "F", "N", "FALSE", "0":
			return false
		}
	case model.KindDate:
		// dbf dates are YYYYMMDD; PostgreSQL accepts ISO dates
		if len(s) == 8 {
			return s[:4] + "-" + s[4:6] + "-" + s[6:]
		}
		return s
	default:
		return s
	}
	return nil
}

func toOrb(shape shp.Shape) orb.Geometry {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		mp := make(orb.MultiPoint, len(s.Points))
		for i, p := range s.Points {
			mp[i] = orb.Point{p.X, p.Y}
		}
		return mp
	case *shp.PolyLine:
		return orb.MultiLineString(partsOf(s.Parts, s.Points))
	case *shp.Polygon:
		parts := partsOf(s.Parts, s.Points)
		poly := make(orb.Polygon, len(parts))
		for i, part := range parts {
			poly[i] = orb.Ring(part)
		}
		return poly
	default:
		return nil
	}
}

func partsOf(parts []int32, points []shp.Point) []orb.LineString {
	out := make([]orb.LineString, 0, len(parts))
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		ls := make(orb.LineString, 0, end-int(start))
		for _, p := range points[start:end] {
			ls = append(ls, orb.Point{p.X, p.Y})
		}
		out = append(out, ls)
	}
	return out
}

// geomTypeOf picks the PostGIS column type for the parsed geometries,
// widening to the multi variant when any row needs it.
func geomTypeOf(geoms []orb.Geometry) string {
	single, multi := "", ""
	for _, g := range geoms {
		switch g.(type) {
		case orb.Point:
			single = "POINT"
		case orb.MultiPoint:
			multi = "MULTIPOINT"
		case orb.LineString:
			single = "LINESTRING"
		case orb.MultiLineString:
			multi = "MULTILINESTRING"
		case orb.Polygon:
			single = "POLYGON"
		case orb.MultiPolygon:
			multi = "MULTIPOLYGON"
		}
	}
	if multi != "" {
		return multi
	}
	if single != "" {
		return single
	}
	return "GEOMETRY"
}

// promoteGeometries lifts single geometries to the multi variant when the
// column type is a multi type, so every insert matches the typed column.
func promoteGeometries(ds *model.Dataset) {
	if !strings.HasPrefix(ds.GeomType, "MULTI") {
		return
	}
	for i, g := range ds.Geometries {
		switch t := g.(type) {
		case orb.Point:
			ds.Geometries[i] = orb.MultiPoint{t}
		case orb.LineString:
			ds.Geometries[i] = orb.MultiLineString{t}
		case orb.Polygon:
			ds.Geometries[i] = orb.MultiPolygon{t}
		}
	}
}
