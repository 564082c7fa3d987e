package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/omondi/geoportal/internal/catalog"
	"github.com/omondi/geoportal/internal/feature"
	"github.com/omondi/geoportal/internal/ingest"
	"github.com/omondi/geoportal/internal/model"
	"github.com/omondi/geoportal/internal/portal"
)

type fakeStore struct {
	layers    []model.Layer
	rows      map[string][]model.FeatureRow
	pingErr   error
	published map[string]model.Dataset
}

func (f *fakeStore) SpatialLayers(_ context.Context) ([]model.Layer, error) {
	return f.layers, nil
}

func (f *fakeStore) GeometryScan(_ context.Context, layer model.Layer, limit int) ([]model.FeatureRow, error) {
	rows := f.rows[layer.Name]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeStore) AttributeScan(_ context.Context, layer model.Layer, limit int) ([]string, []model.FeatureRow, error) {
	rows := f.rows[layer.Name]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return append(append([]string{}, layer.Columns...), "_rowid"), rows, nil
}

func (f *fakeStore) RowCount(_ context.Context, layer model.Layer) (int, error) {
	return len(f.rows[layer.Name]), nil
}

func (f *fakeStore) SelectedRows(_ context.Context, layer model.Layer, ids []int) ([]model.FeatureRow, error) {
	want := map[int]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []model.FeatureRow
	for _, r := range f.rows[layer.Name] {
		if want[r.RowID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) PublishLayer(_ context.Context, name string, ds model.Dataset) error {
	if f.published == nil {
		f.published = map[string]model.Dataset{}
	}
	f.published[name] = ds
	f.layers = append(f.layers, model.Layer{
		Schema: "public", Name: name, GeomColumn: "geom", GeomType: ds.GeomType, SRID: ds.SRID,
	})
	return nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

func newTestServer(t *testing.T) (*fakeStore, *httptest.Server) {
	t.Helper()
	st := &fakeStore{
		layers: []model.Layer{{
			Schema: "public", Name: "wards", GeomColumn: "geom",
			GeomType: "POINT", SRID: 4326, Columns: []string{"name"},
		}},
		rows: map[string][]model.FeatureRow{"wards": {
			{RowID: 1, Attrs: map[string]any{"name": "east"}, Geometry: orb.Point{36.8, -1.3}},
			{RowID: 2, Attrs: map[string]any{"name": "west"}, Geometry: orb.Point{36.7, -1.3}},
			{RowID: 3, Attrs: map[string]any{"name": "north"}, Geometry: orb.Point{36.8, -1.2}},
		}},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := catalog.New(st, time.Minute, log)
	fetcher := feature.New(st, 1000, log)
	pipe := ingest.New(st, cat, t.TempDir(), log)
	svc := portal.New(st, cat, fetcher, pipe, t.TempDir(), log)

	ts := httptest.NewServer(New(svc, st, log).Router())
	t.Cleanup(ts.Close)
	return st, ts
}

func TestGetLayers(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/layers")
	if err != nil {
		t.Fatalf("GET /layers: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	var out []model.LayerSummary
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Name != "wards" {
		t.Fatalf("layers=%+v", out)
	}
}

func TestGetData(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/data/wards")
	if err != nil {
		t.Fatalf("GET /data: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Fatalf("content type=%q", ct)
	}
	var fc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.NewDecoder(res.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != 3 {
		t.Fatalf("features=%d want 3", len(fc.Features))
	}
}

func TestGetData_UnknownLayer(t *testing.T) {
	_, ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/data/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", res.StatusCode)
	}
}

func TestGetAttributes(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/attributes/wards?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	var table struct {
		Columns []string         `json:"columns"`
		Rows    []map[string]any `json:"rows"`
	}
	if err := json.NewDecoder(res.Body).Decode(&table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows=%d want 2", len(table.Rows))
	}
	if table.Columns[len(table.Columns)-1] != "_rowid" {
		t.Fatalf("columns=%v", table.Columns)
	}
}

func TestGetAttributes_BadLimit(t *testing.T) {
	_, ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/attributes/wards?limit=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestPostDownload(t *testing.T) {
	_, ts := newTestServer(t)

	body := `{"layer":"wards","selected":[1,3],"format":"geojson"}`
	res, err := http.Post(ts.URL+"/download", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(res.Body)
		t.Fatalf("status=%d body=%s", res.StatusCode, raw)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "wards_selection.zip") {
		t.Fatalf("disposition=%q", cd)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("members=%d", len(zr.File))
	}
}

func TestPostDownload_MixedSelectionEntries(t *testing.T) {
	_, ts := newTestServer(t)

	// digit strings count, junk entries are dropped
	body := `{"layer":"wards","selected":[1,"2",2.5,"x",null],"format":"geojson"}`
	res, err := http.Post(ts.URL+"/download", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(res.Body)
		t.Fatalf("status=%d body=%s", res.StatusCode, raw)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open member: %v", err)
	}
	defer rc.Close()
	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(rc).Decode(&fc); err != nil {
		t.Fatalf("decode member: %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("features=%d want rows 1 and 2", len(fc.Features))
	}
}

func TestPostDownload_BadFormat(t *testing.T) {
	_, ts := newTestServer(t)
	body := `{"layer":"wards","selected":[1],"format":"gpkg"}`
	res, err := http.Post(ts.URL+"/download", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestPostDownload_EmptySelection(t *testing.T) {
	_, ts := newTestServer(t)
	body := `{"layer":"wards","selected":[50,60],"format":"geojson"}`
	res, err := http.Post(ts.URL+"/download", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestPostMerge_NoValidLayers(t *testing.T) {
	_, ts := newTestServer(t)
	body := `{"layers":[{"layer":"ghost","selected":[1]}],"format":"geojson"}`
	res, err := http.Post(ts.URL+"/merge", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestPostUpload(t *testing.T) {
	st, ts := newTestServer(t)

	res := postUpload(t, ts.URL, "health_sites", uploadArchive(t))
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(res.Body)
		t.Fatalf("status=%d body=%s", res.StatusCode, raw)
	}
	var out map[string]string
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["layer"] != "health_sites" {
		t.Fatalf("layer=%q", out["layer"])
	}
	if _, ok := st.published["health_sites"]; !ok {
		t.Fatalf("upload not published")
	}
}

func TestPostUpload_NameConflict(t *testing.T) {
	_, ts := newTestServer(t)
	res := postUpload(t, ts.URL, "wards", uploadArchive(t))
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d want 409", res.StatusCode)
	}
}

func TestPostUpload_GarbageArchive(t *testing.T) {
	_, ts := newTestServer(t)
	res := postUpload(t, ts.URL, "uploaded", []byte("not a zip"))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestProbes(t *testing.T) {
	st, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", res.StatusCode)
	}

	st.pingErr = errors.New("connection refused")
	res, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d want 503", res.StatusCode)
	}
}

func postUpload(t *testing.T, baseURL, tablename string, archive []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.zip")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write(archive); err != nil {
		t.Fatalf("form write: %v", err)
	}
	if err := mw.WriteField("tablename", tablename); err != nil {
		t.Fatalf("form field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("form close: %v", err)
	}

	res, err := http.Post(baseURL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	return res
}

// uploadArchive builds a zipped single-point shapefile.
func uploadArchive(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	w, err := shp.Create(filepath.Join(dir, "sites.shp"), shp.POINT)
	if err != nil {
		t.Fatalf("shp.Create: %v", err)
	}
	w.SetFields([]shp.Field{shp.StringField("NAME", 20)})
	w.Write(&shp.Point{X: 36.8, Y: -1.3})
	if err := w.WriteAttribute(0, 0, "clinic"); err != nil {
		t.Fatalf("WriteAttribute: %v", err)
	}
	w.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, err := os.ReadFile(filepath.Join(dir, "sites"+ext))
		if err != nil {
			t.Fatalf("read %s: %v", ext, err)
		}
		dst, err := zw.Create("sites" + ext)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := dst.Write(src); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
