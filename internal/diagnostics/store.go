package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrBundleNotFound is returned by Load for an unknown id.
var ErrBundleNotFound = errors.New("diagnostic bundle not found")

const (
	bundleExt       = ".json"
	idTimeLayout    = "20060102T150405.000Z"
	maxIDCollisions = 1000
)

var (
	validID      = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}\.[0-9]{3}Z-[A-Za-z0-9._-]+$`)
	unsafeIDChar = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Store persists bundles and assigns their ids.
type Store interface {
	Save(ctx context.Context, bundle Bundle) (string, error)
}

// Entry describes one stored bundle.
type Entry struct {
	ID      string    `json:"id"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FileStore writes one JSON file per bundle. Bundles are written to a
// temporary file and hard-linked into place, so a bundle is never overwritten,
// never observed half-written, and concurrent saves for the same service and
// instant get distinct ids.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore returns a store rooted at dir. The directory is created on first save.
func NewFileStore(dir string, logger zerolog.Logger) *FileStore {
	return &FileStore{dir: dir, logger: logger}
}

// Dir returns the bundle directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes bundle under a new id of the form <UTC timestamp>-<service>[-n]
// and returns that id.
func (s *FileStore) Save(ctx context.Context, bundle Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}

	base := bundle.CollectedAt.UTC().Format(idTimeLayout) + "-" + safeServiceName(bundle.Service)
	for n := 1; n <= maxIDCollisions; n++ {
		id := base
		if n > 1 {
			id = base + "-" + strconv.Itoa(n)
		}
		bundle.ID = id
		err := s.publish(id, bundle)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("write bundle %s: %w", id, err)
		}
		s.logger.Info().Str("bundle_id", id).Str("service", bundle.Service).Msg("diagnostic bundle written")
		return id, nil
	}
	return "", fmt.Errorf("write bundle for %s: too many bundles at %s", bundle.Service, base)
}

// publish writes bundle to a temporary file and links it under id, so readers
// never see a partial bundle. The link fails with fs.ErrExist when id is taken.
func (s *FileStore) publish(id string, bundle Bundle) error {
	tmp, err := os.CreateTemp(s.dir, ".bundle-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := writeBundle(tmp, bundle); err != nil {
		return err
	}
	return os.Link(tmp.Name(), s.path(id))
}

func writeBundle(file *os.File, bundle Bundle) error {
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(bundle); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Load reads one bundle by id.
func (s *FileStore) Load(ctx context.Context, id string) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	if !validID.MatchString(id) {
		return Bundle{}, fmt.Errorf("%w: %q", ErrBundleNotFound, id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Bundle{}, fmt.Errorf("%w: %s", ErrBundleNotFound, id)
		}
		return Bundle{}, err
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle %s: %w", id, err)
	}
	return bundle, nil
}

// List returns stored bundles, newest first.
func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		id, ok := bundleID(dirEntry)
		if !ok {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: id, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

// Prune removes bundles last modified before cutoff and returns how many were removed.
func (s *FileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(entry.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+bundleExt)
}

func bundleID(entry fs.DirEntry) (string, bool) {
	if entry.IsDir() {
		return "", false
	}
	id, ok := strings.CutSuffix(entry.Name(), bundleExt)
	if !ok || !validID.MatchString(id) {
		return "", false
	}
	return id, true
}

func safeServiceName(service string) string {
	name := unsafeIDChar.ReplaceAllString(service, "_")
	if name == "" {
		return "unknown"
	}
	return name
}
