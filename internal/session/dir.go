package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	generationPrefix = "session-"
	generationSuffix = ".json"
	keepGenerations  = 2
)

// DirStore keeps numbered generations of the credential in a directory.
// Load returns the newest generation that decodes cleanly.
type DirStore struct {
	dir    string
	logger waLog.Logger
	mu     sync.Mutex
}

func NewDirStore(dir string, logger waLog.Logger) *DirStore {
	return &DirStore{dir: dir, logger: logger}
}

func (s *DirStore) Name() string { return "dir:" + s.dir }

// generations lists generation numbers present in the directory, newest first.
func (s *DirStore) generations() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var gens []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, generationPrefix) || !strings.HasSuffix(name, generationSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, generationPrefix), generationSuffix))
		if err != nil || n <= 0 {
			continue
		}
		gens = append(gens, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(gens)))
	return gens, nil
}

func (s *DirStore) path(gen int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", generationPrefix, gen, generationSuffix))
}

func (s *DirStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, err := s.generations()
	if err != nil {
		return nil, err
	}
	for _, gen := range gens {
		raw, err := os.ReadFile(s.path(gen))
		if err != nil {
			s.logger.Warnf("Skipping session generation %d: %v", gen, err)
			continue
		}
		blob, err := decodeEnvelope(raw)
		if err != nil {
			s.logger.Warnf("Skipping session generation %d: %v", gen, err)
			continue
		}
		return blob, nil
	}
	return nil, nil
}

func (s *DirStore) Save(ctx context.Context, blob []byte) error {
	data, err := encodeEnvelope(blob)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gens, err := s.generations()
	if err != nil {
		return err
	}
	next := 1
	if len(gens) > 0 {
		next = gens[0] + 1
	}
	if err := writeFileAtomic(s.path(next), data); err != nil {
		return err
	}

	// gens is newest first and does not include next yet
	for i, gen := range gens {
		if i+1 < keepGenerations {
			continue
		}
		if err := os.Remove(s.path(gen)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnf("Failed to prune session generation %d: %v", gen, err)
		}
	}
	return nil
}

func (s *DirStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, err := s.generations()
	if err != nil {
		return err
	}
	for _, gen := range gens {
		if err := os.Remove(s.path(gen)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove session generation %d: %w", gen, err)
		}
	}
	return nil
}
