package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// FileStore keeps the streak document in one JSON file. Save replaces the
// file atomically; the engine serializes calls.
type FileStore struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// NewFileStore returns a store backed by path. Parent directories are
// created on the first Save.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("state_file", path).Logger(),
		now:    time.Now,
	}
}

// Load returns the persisted document. A missing file yields an empty
// document. An unreadable one is renamed to <path>.corrupt-<unix> so the
// operator can inspect it, and an empty document is returned.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Msg("no recovery state on disk, starting fresh")
		return Empty(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	doc, reason := decode(data)
	if reason != "" {
		s.quarantine(reason)
		return Empty(), nil
	}
	return doc, nil
}

func decode(data []byte) (State, string) {
	var doc State
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, "invalid json: " + err.Error()
	}
	if doc.Version != Version {
		return State{}, fmt.Sprintf("unsupported version %d", doc.Version)
	}
	if doc.Streaks == nil {
		doc.Streaks = map[string]Streak{}
	}
	return doc, ""
}

func (s *FileStore) quarantine(reason string) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	event := s.logger.Warn().Str("reason", reason)
	if err := os.Rename(s.path, aside); err != nil {
		event.Err(err).Msg("recovery state unreadable, ignoring it")
		return
	}
	event.Str("moved_to", aside).Msg("recovery state unreadable, moved aside")
}

// Save writes doc, stamping the current format version.
func (s *FileStore) Save(ctx context.Context, doc State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc.Version = Version
	if doc.Streaks == nil {
		doc.Streaks = map[string]Streak{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// writeAtomic writes data to a sibling temp file, syncs it and renames it
// over path, so readers see either the old or the new document.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(append(data, '\n')); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
