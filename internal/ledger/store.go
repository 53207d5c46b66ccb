package ledger

// ============================================================================
// Ledger storage backends
//
// The ledger keeps the whole table in memory and hands the full table to the
// store on every mutation. A store only has to load and replace it
// atomically.
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// SchemaVersion is the version written by every backend.
const SchemaVersion = 1

var (
	ErrCorruptedLedger     = errors.New("ledger file is corrupted")
	ErrIncompatibleVersion = errors.New("ledger schema version is incompatible")
)

// Store persists the ledger table.
type Store interface {
	// Load returns the stored table, or an empty one on first start.
	Load() (types.LedgerData, error)
	// Save replaces the stored table with data.
	Save(data types.LedgerData) error
	Close() error
}

// FileStore keeps the table in one JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path. Parent directories are created on
// the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes data to a temp file and renames it over the ledger file.
func (s *FileStore) Save(data types.LedgerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Tasks == nil {
		data.Tasks = make(map[string]*types.TaskRecord)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

// Load reads the ledger file. A missing file is an empty ledger.
func (s *FileStore) Load() (types.LedgerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyData(), nil
		}
		return types.LedgerData{}, fmt.Errorf("read ledger: %w", err)
	}

	var data types.LedgerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return types.LedgerData{}, fmt.Errorf("%w: %v", ErrCorruptedLedger, err)
	}
	if data.SchemaVer != SchemaVersion {
		return types.LedgerData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Tasks == nil {
		data.Tasks = make(map[string]*types.TaskRecord)
	}
	// Content was indented along with the file.
	for _, r := range data.Tasks {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r.Content); err == nil {
			r.Content = buf.Bytes()
		}
	}
	return data, nil
}

func (s *FileStore) Close() error { return nil }

func emptyData() types.LedgerData {
	return types.LedgerData{
		Tasks:     make(map[string]*types.TaskRecord),
		SchemaVer: SchemaVersion,
	}
}
