package labels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap/zaptest"
)

const sampleMap = `{"1": "pink primrose", "42": "barbeton daisy", "102": "blackberry lily"}`

func newServer(c *qt.C, status int, body string) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	c.Cleanup(srv.Close)
	return srv, &hits
}

func TestLoad_LocalFile(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "cat_to_name.json")
	c.Assert(os.WriteFile(path, []byte(sampleMap), 0o644), qt.IsNil)

	catalog := Load(context.Background(), Options{Path: path, Timeout: time.Second}, zaptest.NewLogger(t))
	c.Assert(catalog.State(), qt.Equals, Loaded)
	c.Check(catalog.Len(), qt.Equals, 3)

	name, ok := catalog.Lookup("42")
	c.Check(ok, qt.IsTrue)
	c.Check(name, qt.Equals, "barbeton daisy")

	_, ok = catalog.Lookup("7")
	c.Check(ok, qt.IsFalse)
}

func TestLoad_DownloadsOnceAndPersists(t *testing.T) {
	c := qt.New(t)

	srv, hits := newServer(c, http.StatusOK, sampleMap)
	path := filepath.Join(t.TempDir(), "model", "cat_to_name.json")
	opts := Options{Path: path, URL: srv.URL, Timeout: time.Second}

	catalog := Load(context.Background(), opts, zaptest.NewLogger(t))
	c.Assert(catalog.State(), qt.Equals, Loaded)
	c.Check(hits.Load(), qt.Equals, int32(1))

	persisted, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Check(string(persisted), qt.Equals, sampleMap)

	again := Load(context.Background(), opts, zaptest.NewLogger(t))
	c.Assert(again.State(), qt.Equals, Loaded)
	c.Check(hits.Load(), qt.Equals, int32(1))
}

func TestLoad_DownloadErrorStatus(t *testing.T) {
	c := qt.New(t)

	srv, hits := newServer(c, http.StatusNotFound, "404: Not Found")
	path := filepath.Join(t.TempDir(), "cat_to_name.json")

	catalog := Load(context.Background(), Options{Path: path, URL: srv.URL, Timeout: time.Second}, zaptest.NewLogger(t))
	c.Check(catalog.State(), qt.Equals, Missing)
	c.Check(hits.Load(), qt.Equals, int32(1))

	_, err := os.Stat(path)
	c.Check(os.IsNotExist(err), qt.IsTrue)
}

func TestLoad_Unreachable(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	path := filepath.Join(t.TempDir(), "cat_to_name.json")
	catalog := Load(context.Background(), Options{Path: path, URL: url, Timeout: time.Second}, zaptest.NewLogger(t))
	c.Check(catalog.State(), qt.Equals, Missing)
	c.Check(catalog.Len(), qt.Equals, 0)
}

func TestLoad_NoURL(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "cat_to_name.json")
	catalog := Load(context.Background(), Options{Path: path, Timeout: time.Second}, zaptest.NewLogger(t))
	c.Check(catalog.State(), qt.Equals, Missing)
}

func TestLoad_Corrupt(t *testing.T) {
	c := qt.New(t)

	for name, content := range map[string]string{
		"truncated":     `{"1": "pink`,
		"non-string":    `{"1": 3}`,
		"array":         `["pink primrose"]`,
		"null document": `null`,
		"empty object":  `{}`,
	} {
		c.Run(name, func(c *qt.C) {
			path := filepath.Join(c.TempDir(), "cat_to_name.json")
			c.Assert(os.WriteFile(path, []byte(content), 0o644), qt.IsNil)

			catalog := Load(context.Background(), Options{Path: path, Timeout: time.Second}, zaptest.NewLogger(t))
			c.Check(catalog.State(), qt.Equals, Missing)
		})
	}
}

func TestNewCatalog_Copies(t *testing.T) {
	c := qt.New(t)

	names := map[string]string{"1": "pink primrose"}
	catalog := NewCatalog(names)
	names["1"] = "changed"

	name, ok := catalog.Lookup("1")
	c.Check(ok, qt.IsTrue)
	c.Check(name, qt.Equals, "pink primrose")
	c.Check(catalog.State().String(), qt.Equals, "loaded")
	c.Check(MissingCatalog().State().String(), qt.Equals, "missing")
}
