package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/omondi/geoportal/internal/model"
	"github.com/omondi/geoportal/internal/observability"
)

// DB is the subset of pgxpool.Pool the store uses. Satisfied by both a pool
// and a transaction-scoped wrapper.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PG implements Interface against a PostGIS database.
type PG struct {
	db  DB
	log *slog.Logger
}

var _ Interface = (*PG)(nil)

func New(db DB, log *slog.Logger) *PG {
	return &PG{db: db, log: log}
}

// Internal result-column aliases. Double underscore keeps them clear of user
// attribute columns.
const (
	colRowID   = "__rowid"
	colGeoJSON = "__geojson"
)

const discoverySQL = `
SELECT f_table_schema, f_table_name, f_geometry_column, srid, type
FROM geometry_columns
WHERE f_table_schema NOT IN ('pg_catalog', 'information_schema', 'topology', 'tiger')
ORDER BY f_table_name`

const columnsSQL = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2 AND column_name <> $3
ORDER BY ordinal_position`

func (s *PG) SpatialLayers(ctx context.Context) ([]model.Layer, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, discoverySQL)
	observability.ObserveStoreQuery("discover", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("enumerate geometry_columns: %w", err)
	}
	defer rows.Close()

	var layers []model.Layer
	for rows.Next() {
		var l model.Layer
		if err := rows.Scan(&l.Schema, &l.Name, &l.GeomColumn, &l.SRID, &l.GeomType); err != nil {
			return nil, fmt.Errorf("scan geometry_columns row: %w", err)
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geometry_columns: %w", err)
	}

	for i := range layers {
		cols, err := s.tableColumns(ctx, layers[i])
		if err != nil {
			return nil, err
		}
		layers[i].Columns = cols
	}
	return layers, nil
}

func (s *PG) tableColumns(ctx context.Context, l model.Layer) ([]string, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, columnsSQL, l.Schema, l.Name, l.GeomColumn)
	observability.ObserveStoreQuery("columns", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", l.QualifiedName(), err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// tableIdent sanitizes the layer identity for interpolation. Layers only
// ever come from discovery, never from raw client input; sanitizing is a
// second line, not the gate.
func tableIdent(l model.Layer) string {
	return pgx.Identifier{l.Schema, l.Name}.Sanitize()
}

func limitClause(limit int) string {
	if limit > 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}

func (s *PG) GeometryScan(ctx context.Context, layer model.Layer, limit int) ([]model.FeatureRow, error) {
	q := fmt.Sprintf(
		`SELECT t.*, ST_AsGeoJSON(t.%s) AS %s, row_number() OVER (ORDER BY t.ctid) AS %s
		 FROM %s t ORDER BY t.ctid%s`,
		pgx.Identifier{layer.GeomColumn}.Sanitize(), colGeoJSON, colRowID,
		tableIdent(layer), limitClause(limit),
	)
	start := time.Now()
	rows, err := s.db.Query(ctx, q)
	observability.ObserveStoreQuery("geometry_scan", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("geometry scan of %s: %w", layer.QualifiedName(), err)
	}
	defer rows.Close()
	return collectRows(rows, layer, true)
}

func (s *PG) AttributeScan(ctx context.Context, layer model.Layer, limit int) ([]string, []model.FeatureRow, error) {
	q := fmt.Sprintf(
		`SELECT t.*, row_number() OVER (ORDER BY t.ctid) AS %s
		 FROM %s t ORDER BY t.ctid%s`,
		colRowID, tableIdent(layer), limitClause(limit),
	)
	start := time.Now()
	rows, err := s.db.Query(ctx, q)
	observability.ObserveStoreQuery("attribute_scan", err, time.Since(start).Seconds())
	if err != nil {
		return nil, nil, fmt.Errorf("attribute scan of %s: %w", layer.QualifiedName(), err)
	}
	defer rows.Close()

	out, err := collectRows(rows, layer, false)
	if err != nil {
		return nil, nil, err
	}

	cols := make([]string, 0, len(layer.Columns)+1)
	cols = append(cols, layer.Columns...)
	cols = append(cols, "_rowid")
	return cols, out, nil
}

func (s *PG) RowCount(ctx context.Context, layer model.Layer) (int, error) {
	q := fmt.Sprintf("SELECT count(*) FROM %s", tableIdent(layer))
	start := time.Now()
	var n int
	err := s.db.QueryRow(ctx, q).Scan(&n)
	observability.ObserveStoreQuery("row_count", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", layer.QualifiedName(), err)
	}
	return n, nil
}

func (s *PG) SelectedRows(ctx context.Context, layer model.Layer, ids []int) ([]model.FeatureRow, error) {
	wanted := make([]int64, len(ids))
	for i, id := range ids {
		wanted[i] = int64(id)
	}
	q := fmt.Sprintf(
		`SELECT * FROM (
			SELECT t.*, ST_AsGeoJSON(t.%s) AS %s, row_number() OVER (ORDER BY t.ctid) AS %s
			FROM %s t
		 ) q WHERE q.%s = ANY($1) ORDER BY q.%s`,
		pgx.Identifier{layer.GeomColumn}.Sanitize(), colGeoJSON, colRowID,
		tableIdent(layer), colRowID, colRowID,
	)
	start := time.Now()
	rows, err := s.db.Query(ctx, q, wanted)
	observability.ObserveStoreQuery("selected_rows", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("materialize selection from %s: %w", layer.QualifiedName(), err)
	}
	defer rows.Close()
	return collectRows(rows, layer, true)
}

// collectRows turns a scan result into FeatureRows, splitting the internal
// rowid/geojson aliases and the raw geometry column out of the attributes.
func collectRows(rows pgx.Rows, layer model.Layer, wantGeom bool) ([]model.FeatureRow, error) {
	fields := rows.FieldDescriptions()
	var out []model.FeatureRow
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		fr := model.FeatureRow{Attrs: make(map[string]any, len(fields))}
		for i, fd := range fields {
			switch fd.Name {
			case colRowID:
				if n, ok := vals[i].(int64); ok {
					fr.RowID = int(n)
				}
			case colGeoJSON:
				if !wantGeom || vals[i] == nil {
					continue
				}
				txt, ok := vals[i].(string)
				if !ok {
					continue
				}
				g, err := geojson.UnmarshalGeometry([]byte(txt))
				if err != nil {
					return nil, fmt.Errorf("decode geometry of %s rowid %d: %w", layer.QualifiedName(), fr.RowID, err)
				}
				fr.Geometry = g.Geometry()
			case layer.GeomColumn:
				// raw stored geometry, never exposed as an attribute
			default:
				fr.Attrs[fd.Name] = vals[i]
			}
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", layer.QualifiedName(), err)
	}
	return out, nil
}

// PublishLayer creates public.<name> and inserts the dataset inside one
// transaction, so a failed write leaves nothing behind for discovery to see.
func (s *PG) PublishLayer(ctx context.Context, name string, ds model.Dataset) error {
	srid := ds.SRID
	if srid == 0 {
		srid = 4326
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish of %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ident := pgx.Identifier{"public", name}.Sanitize()

	colDefs := make([]string, 0, len(ds.Columns)+1)
	colNames := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		colDefs = append(colDefs, pgx.Identifier{c.Name}.Sanitize()+" "+c.Kind.SQLType())
		colNames = append(colNames, pgx.Identifier{c.Name}.Sanitize())
	}
	colDefs = append(colDefs, fmt.Sprintf("geom geometry(%s,%d)", ds.GeomType, srid))

	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", ident, strings.Join(colDefs, ", "))
	start := time.Now()
	_, err = tx.Exec(ctx, createSQL)
	observability.ObserveStoreQuery("create_table", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	placeholders := make([]string, len(ds.Columns))
	for i := range ds.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	geomExpr := fmt.Sprintf("ST_SetSRID(ST_GeomFromText($%d),%d)", len(ds.Columns)+1, srid)
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		ident,
		strings.Join(append(colNames, "geom"), ", "),
		strings.Join(append(placeholders, geomExpr), ", "),
	)

	for i, row := range ds.Rows {
		args := make([]any, 0, len(ds.Columns)+1)
		for _, c := range ds.Columns {
			args = append(args, row[c.Name])
		}
		if i < len(ds.Geometries) && ds.Geometries[i] != nil {
			args = append(args, wkt.MarshalString(ds.Geometries[i]))
		} else {
			args = append(args, nil)
		}
		if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("insert row %d into %s: %w", i+1, name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publish of %s: %w", name, err)
	}
	s.log.Info("layer published", "layer", name, "rows", len(ds.Rows))
	return nil
}

func (s *PG) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
