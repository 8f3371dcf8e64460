package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	scoresFile   = "trust_scores.yaml"
	updatesFile  = "trust_updates.yaml"
	metadataFile = "agent_metadata.yaml"
)

// FileStore persists trust state as YAML files under a directory. State is
// held in memory and flushed on every mutation via temp-file rename, so a
// crash mid-write never leaves a torn file. Transactions buffer their
// operations and apply them under the lock on Commit.
//
// The file layout carries no schema version of its own; a FileStore always
// reports the current version and migration is a no-op.
type FileStore struct {
	dir string

	mu         sync.RWMutex
	scores     map[string]TrustScore
	updates    []UpdateEvent
	metadata   map[string]AgentMetadata
	lastBackup *time.Time
}

// fileSnapshot is the backup format: one self-contained YAML document.
type fileSnapshot struct {
	Version  int                      `yaml:"version"`
	Scores   map[string]TrustScore    `yaml:"scores"`
	Updates  []UpdateEvent            `yaml:"updates"`
	Metadata map[string]AgentMetadata `yaml:"metadata,omitempty"`
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:      dir,
		scores:   make(map[string]TrustScore),
		updates:  nil,
		metadata: make(map[string]AgentMetadata),
	}
}

// Initialize creates the data directory and loads any existing state.
func (s *FileStore) Initialize(ctx context.Context) error {
	_, span := tracer.Start(ctx, "store.initialize")
	defer span.End()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating data directory: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := loadYAML(filepath.Join(s.dir, scoresFile), &s.scores); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, updatesFile), &s.updates); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, metadataFile), &s.metadata); err != nil {
		return err
	}
	if s.scores == nil {
		s.scores = make(map[string]TrustScore)
	}
	if s.metadata == nil {
		s.metadata = make(map[string]AgentMetadata)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) GetTrustScore(ctx context.Context, agentID string) (*TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.scores[agentID]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *FileStore) GetAllTrustScores(ctx context.Context) (map[string]TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TrustScore, len(s.scores))
	for id, ts := range s.scores {
		out[id] = ts
	}
	return out, nil
}

func (s *FileStore) StoreTrustScore(ctx context.Context, score TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.AgentID] = score
	return s.persistScores()
}

func (s *FileStore) StoreTrustUpdate(ctx context.Context, event UpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureEventID(&event)
	s.updates = append(s.updates, event)
	return s.persistUpdates()
}

func (s *FileStore) History(ctx context.Context, agentID string, limit int) ([]UpdateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []UpdateEvent
	for _, ev := range s.updates {
		if ev.AgentID == agentID {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *FileStore) UpdatesSince(ctx context.Context, t time.Time) ([]UpdateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []UpdateEvent
	for _, ev := range s.updates {
		if !ev.Timestamp.Before(t) {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *FileStore) RemoveAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scores, agentID)
	filtered := s.updates[:0]
	for _, ev := range s.updates {
		if ev.AgentID != agentID {
			filtered = append(filtered, ev)
		}
	}
	s.updates = filtered
	if err := s.persistScores(); err != nil {
		return err
	}
	return s.persistUpdates()
}

func (s *FileStore) SetAgentMetadata(ctx context.Context, meta AgentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.AgentID] = meta
	return s.writeYAML(metadataFile, s.metadata)
}

func (s *FileStore) GetAgentMetadata(ctx context.Context, agentID string) (*AgentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[agentID]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (s *FileStore) SchemaVersion(ctx context.Context) (int, error) {
	return MaxSchemaVersion, nil
}

// MigrateSchema is a no-op for valid targets; the YAML layout has a single
// current shape.
func (s *FileStore) MigrateSchema(ctx context.Context, target int) error {
	if target > MaxSchemaVersion {
		return fmt.Errorf("%w: target version %d exceeds supported version %d",
			ErrMigrationFailed, target, MaxSchemaVersion)
	}
	if target < MaxSchemaVersion {
		return fmt.Errorf("%w: downgrade from v%d to v%d is not supported",
			ErrMigrationFailed, MaxSchemaVersion, target)
	}
	return nil
}

func (s *FileStore) HealthCheck(ctx context.Context) (*HealthReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &HealthReport{
		IsHealthy:    true,
		TotalAgents:  len(s.scores),
		TotalUpdates: len(s.updates),
		LastBackup:   s.lastBackup,
	}
	for _, name := range []string{scoresFile, updatesFile, metadataFile} {
		if info, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			report.SizeBytes += info.Size()
		}
	}
	return report, nil
}

func (s *FileStore) CleanupOldData(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.updates[:0]
	for _, ev := range s.updates {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.updates = kept
	if removed > 0 {
		if err := s.persistUpdates(); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// CreateBackup writes the whole state as one YAML snapshot to path.
func (s *FileStore) CreateBackup(ctx context.Context, path string) error {
	_, span := tracer.Start(ctx, "store.create_backup")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := fileSnapshot{
		Version:  MaxSchemaVersion,
		Scores:   s.scores,
		Updates:  s.updates,
		Metadata: s.metadata,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: creating backup directory: %v", ErrBackupFailed, err)
	}
	if err := atomicWriteYAML(path, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	now := time.Now().UTC()
	s.lastBackup = &now
	return nil
}

// RestoreBackup replaces all state from a snapshot written by CreateBackup.
func (s *FileStore) RestoreBackup(ctx context.Context, path string) error {
	_, span := tracer.Start(ctx, "store.restore_backup")
	defer span.End()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading backup: %v", ErrStorage, err)
	}
	var snap fileSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: parsing backup: %v", ErrStorage, err)
	}
	if snap.Version > MaxSchemaVersion {
		return fmt.Errorf("%w: backup schema version %d is newer than supported version %d",
			ErrMigrationFailed, snap.Version, MaxSchemaVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = snap.Scores
	s.updates = snap.Updates
	s.metadata = snap.Metadata
	if s.scores == nil {
		s.scores = make(map[string]TrustScore)
	}
	if s.metadata == nil {
		s.metadata = make(map[string]AgentMetadata)
	}
	if err := s.persistScores(); err != nil {
		return err
	}
	if err := s.persistUpdates(); err != nil {
		return err
	}
	return s.writeYAML(metadataFile, s.metadata)
}

// persistScores and persistUpdates must be called with mu held.
func (s *FileStore) persistScores() error  { return s.writeYAML(scoresFile, s.scores) }
func (s *FileStore) persistUpdates() error { return s.writeYAML(updatesFile, s.updates) }

func (s *FileStore) writeYAML(name string, v any) error {
	if err := atomicWriteYAML(filepath.Join(s.dir, name), v); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrStorage, name, err)
	}
	return nil
}

// atomicWriteYAML writes v to a temp file in the target directory and
// renames it over path. Rename is atomic on POSIX filesystems.
func atomicWriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrStorage, filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrStorage, filepath.Base(path), err)
	}
	return nil
}
