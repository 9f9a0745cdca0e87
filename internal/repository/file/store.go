package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/repository"
)

const snapshotVersion = 1

type snapshot struct {
	Version  int                        `json:"version"`
	Projects map[string]*domain.Project `json:"projects"`
}

// Store keeps project records in a single JSON document on disk. Writes go to
// a temporary file that is renamed over the previous snapshot.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ repository.ProjectStore = (*Store)(nil)

// New returns a Store writing to path. Parent directories are created on the
// first save.
func New(path string) *Store {
	return &Store{path: path}
}

// SaveAll replaces the snapshot with projects.
func (s *Store) SaveAll(ctx context.Context, projects []*domain.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := snapshot{Version: snapshotVersion, Projects: make(map[string]*domain.Project, len(projects))}
	for _, p := range projects {
		if p == nil || p.ID == "" {
			continue
		}
		doc.Projects[p.ID] = p
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode projects: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".projects-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write projects: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync projects: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close projects: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod projects: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace projects: %w", err)
	}
	return nil
}

// LoadAll reads every stored record. A missing file yields no records.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	out := make([]*domain.Project, 0, len(doc.Projects))
	for id, p := range doc.Projects {
		if p == nil {
			continue
		}
		if p.ID == "" {
			p.ID = id
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
