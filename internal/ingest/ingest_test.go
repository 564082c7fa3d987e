package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/omondi/geoportal/internal/model"
)

type fakePublisher struct {
	published map[string]model.Dataset
	err       error
}

func (f *fakePublisher) PublishLayer(_ context.Context, name string, ds model.Dataset) error {
	if f.err != nil {
		return f.err
	}
	if f.published == nil {
		f.published = map[string]model.Dataset{}
	}
	f.published[name] = ds
	return nil
}

type fakeResolver struct {
	taken map[string]bool
}

func (f *fakeResolver) Resolve(_ context.Context, name string) (model.Layer, error) {
	if f.taken[name] {
		return model.Layer{Name: name}, nil
	}
	return model.Layer{}, model.ErrNotFound
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildUpload produces a zipped point shapefile with n features.
func buildUpload(t *testing.T, n int) []byte {
	t.Helper()
	dir := t.TempDir()
	shpPath := filepath.Join(dir, "upload.shp")

	w, err := shp.Create(shpPath, shp.POINT)
	if err != nil {
		t.Fatalf("shp.Create: %v", err)
	}
	w.SetFields([]shp.Field{
		shp.StringField("NAME", 20),
		shp.NumberField("POP", 10),
	})
	for i := 0; i < n; i++ {
		w.Write(&shp.Point{X: float64(i), Y: float64(-i)})
		if err := w.WriteAttribute(i, 0, "site"); err != nil {
			t.Fatalf("WriteAttribute: %v", err)
		}
		if err := w.WriteAttribute(i, 1, 100+i); err != nil {
			t.Fatalf("WriteAttribute: %v", err)
		}
	}
	w.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, err := os.ReadFile(filepath.Join(dir, "upload"+ext))
		if err != nil {
			t.Fatalf("read %s: %v", ext, err)
		}
		dst, err := zw.Create("upload" + ext)
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

func assertNoScratchDirs(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "ingest_") {
			t.Fatalf("scratch dir %s survived pipeline", e.Name())
		}
	}
}

func TestRun_PublishesValidUpload(t *testing.T) {
	root := t.TempDir()
	pub := &fakePublisher{}
	p := New(pub, &fakeResolver{}, root, testLog())

	name, err := p.Run(context.Background(), buildUpload(t, 3), "Health_Sites")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if name != "health_sites" {
		t.Fatalf("name=%q want lowercased health_sites", name)
	}

	ds, ok := pub.published["health_sites"]
	if !ok {
		t.Fatalf("nothing published")
	}
	if len(ds.Rows) != 3 || len(ds.Geometries) != 3 {
		t.Fatalf("rows=%d geoms=%d want 3", len(ds.Rows), len(ds.Geometries))
	}
	if ds.GeomType != "POINT" {
		t.Fatalf("geom type=%q want POINT", ds.GeomType)
	}
	if _, ok := ds.Geometries[1].(orb.Point); !ok {
		t.Fatalf("geometry[1] is %T want orb.Point", ds.Geometries[1])
	}
	if ds.Rows[0]["name"] != "site" {
		t.Fatalf("attrs lost: %#v", ds.Rows[0])
	}
	if ds.Rows[2]["pop"] != int64(102) {
		t.Fatalf("numeric attr=%#v want 102", ds.Rows[2]["pop"])
	}
	assertNoScratchDirs(t, root)
}

func TestRun_NameConflictLeavesExistingAlone(t *testing.T) {
	root := t.TempDir()
	pub := &fakePublisher{}
	p := New(pub, &fakeResolver{taken: map[string]bool{"wards": true}}, root, testLog())

	_, err := p.Run(context.Background(), buildUpload(t, 1), "wards")
	if !errors.Is(err, model.ErrNameConflict) {
		t.Fatalf("err=%v want ErrNameConflict", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("conflicting upload was published")
	}
	assertNoScratchDirs(t, root)
}

func TestRun_InvalidNames(t *testing.T) {
	p := New(&fakePublisher{}, &fakeResolver{}, t.TempDir(), testLog())
	for _, bad := range []string{"", "9lives", "has space", "semi;colon", "x" + strings.Repeat("y", 80)} {
		_, err := p.Run(context.Background(), buildUpload(t, 1), bad)
		if !errors.Is(err, model.ErrInvalidName) {
			t.Fatalf("Run(%q): err=%v want ErrInvalidName", bad, err)
		}
	}
}

func TestRun_ArchiveWithoutShapefile(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("readme.txt")
	_, _ = f.Write([]byte("no geometry here"))
	_ = zw.Close()

	root := t.TempDir()
	p := New(&fakePublisher{}, &fakeResolver{}, root, testLog())
	_, err := p.Run(context.Background(), buf.Bytes(), "uploaded")
	if !errors.Is(err, model.ErrInvalidArchive) {
		t.Fatalf("err=%v want ErrInvalidArchive", err)
	}
	assertNoScratchDirs(t, root)
}

func TestRun_GarbageBytes(t *testing.T) {
	p := New(&fakePublisher{}, &fakeResolver{}, t.TempDir(), testLog())
	_, err := p.Run(context.Background(), []byte("not a zip"), "uploaded")
	if !errors.Is(err, model.ErrInvalidArchive) {
		t.Fatalf("err=%v want ErrInvalidArchive", err)
	}
}

func TestRun_EmptyDataset(t *testing.T) {
	root := t.TempDir()
	p := New(&fakePublisher{}, &fakeResolver{}, root, testLog())
	_, err := p.Run(context.Background(), buildUpload(t, 0), "empty_layer")
	if !errors.Is(err, model.ErrEmptyDataset) {
		t.Fatalf("err=%v want ErrEmptyDataset", err)
	}
	assertNoScratchDirs(t, root)
}

func TestRun_WriteFailureIsWriteFailed(t *testing.T) {
	root := t.TempDir()
	pub := &fakePublisher{err: errors.New("deadlock detected")}
	p := New(pub, &fakeResolver{}, root, testLog())

	_, err := p.Run(context.Background(), buildUpload(t, 2), "uploaded")
	if !errors.Is(err, model.ErrWriteFailed) {
		t.Fatalf("err=%v want ErrWriteFailed", err)
	}
	assertNoScratchDirs(t, root)
}

func TestParseAttr_Narrowing(t *testing.T) {
	if v := parseAttr(" 42 ", model.KindInt); v != int64(42) {
		t.Fatalf("int attr=%#v", v)
	}
	if v := parseAttr("3.5", model.KindFloat); v != 3.5 {
		t.Fatalf("float attr=%#v", v)
	}
	if v := parseAttr("T", model.KindBool); v != true {
		t.Fatalf("bool attr=%#v", v)
	}
	if v := parseAttr("20240501", model.KindDate); v != "2024-05-01" {
		t.Fatalf("date attr=%#v", v)
	}
	if v := parseAttr("", model.KindText); v != nil {
		t.Fatalf("empty attr=%#v want nil", v)
	}
	if v := parseAttr("oops", model.KindInt); v != nil {
		t.Fatalf("unparseable attr=%#v want nil", v)
	}
}
