package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// State tells whether a Catalog carries species names.
type State int

const (
	// Missing means no label map could be read or fetched.
	Missing State = iota
	// Loaded means the label map was parsed successfully.
	Loaded
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	default:
		return "missing"
	}
}

// Catalog maps one-based class ids ("1".."102") to species names. A Catalog
// is immutable once built.
type Catalog struct {
	state State
	names map[string]string
}

// NewCatalog returns a Loaded catalog over a copy of names.
func NewCatalog(names map[string]string) Catalog {
	cp := make(map[string]string, len(names))
	for k, v := range names {
		cp[k] = v
	}
	return Catalog{state: Loaded, names: cp}
}

// MissingCatalog returns a catalog with no names.
func MissingCatalog() Catalog {
	return Catalog{state: Missing}
}

// State reports whether the catalog was loaded.
func (c Catalog) State() State {
	return c.state
}

// Len is the number of known class ids.
func (c Catalog) Len() int {
	return len(c.names)
}

// Lookup returns the species name for a one-based class id.
func (c Catalog) Lookup(key string) (string, bool) {
	name, ok := c.names[key]
	return name, ok
}

// Options locates the label map.
type Options struct {
	Path    string
	URL     string
	Timeout time.Duration
}

// Load reads the label map at opts.Path. When the file does not exist it is
// downloaded once from opts.URL and stored verbatim at opts.Path first. Every
// failure is logged and yields a Missing catalog.
func Load(ctx context.Context, opts Options, logger *zap.Logger) Catalog {
	if _, err := os.Stat(opts.Path); errors.Is(err, fs.ErrNotExist) {
		logger.Info("label map not found, downloading",
			zap.String("path", opts.Path), zap.String("url", opts.URL))

		if err := fetch(ctx, opts, logger); err != nil {
			logger.Error("failed to download label map", zap.Error(err))
			return MissingCatalog()
		}
		logger.Info("label map downloaded", zap.String("path", opts.Path))
	}

	names, err := parseFile(opts.Path)
	if err != nil {
		logger.Error("failed to read label map", zap.String("path", opts.Path), zap.Error(err))
		return MissingCatalog()
	}

	logger.Info("label map loaded", zap.Int("classes", len(names)))
	return Catalog{state: Loaded, names: names}
}

func fetch(ctx context.Context, opts Options, logger *zap.Logger) error {
	if opts.URL == "" {
		return errors.New("no download URL configured")
	}

	client := resty.New().
		SetLogger(logger.Sugar()).
		SetTimeout(opts.Timeout).
		SetRetryCount(0)

	resp, err := client.R().SetContext(ctx).Get(opts.URL)
	if err != nil {
		return fmt.Errorf("couldn't reach %s: %w", opts.URL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected status from %s: %s", opts.URL, resp.Status())
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(opts.Path, resp.Body(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", opts.Path, err)
	}
	return nil
}

func parseFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var names map[string]string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to parse label map: %w", err)
	}
	if len(names) == 0 {
		return nil, errors.New("label map is empty")
	}
	return names, nil
}
