// Package persist records the intent of each device's last disconnect so
// reconnect decisions survive a restart. Records live in a store.KVStore and
// are optionally mirrored to a JSON file that carries its own schema.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/davidroman0O/blelink/errors"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/store"
)

const keyPrefix = "last_disconnect/"

// LastDisconnect is the persisted record of one device
type LastDisconnect struct {
	Address string    `json:"address" jsonschema:"description=Device MAC address"`
	Intent  string    `json:"intent" jsonschema:"enum=INTENTIONAL,enum=UNINTENTIONAL"`
	SavedAt time.Time `json:"savedAt"`
	Saves   int       `json:"saves"`
}

// File is the on-disk layout
type File struct {
	Records     map[string]json.RawMessage `json:"records"`
	Schema      *jsonschema.Schema         `json:"schema,omitempty"`
	LastUpdated time.Time                  `json:"lastUpdated"`
}

// Store keeps last-disconnect records. A Store with an empty path never
// touches the disk.
type Store struct {
	path  string
	kv    *store.KVStore
	mutex sync.Mutex
	now   func() time.Time
}

// NewMemory creates a store that is not mirrored to disk
func NewMemory() *Store {
	return &Store{kv: store.NewKVStore(), now: time.Now}
}

// Open creates a store mirrored to path, loading any existing file
func Open(path string) (*Store, error) {
	s := &Store{path: path, kv: store.NewKVStore(), now: time.Now}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, errors.ErrPersistence, "failed to create state directory")
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the backing file, or "" for a memory store
func (s *Store) Path() string { return s.path }

func key(addr string) string {
	return keyPrefix + strings.ToUpper(addr)
}

// SaveLastDisconnect records intent for addr and flushes the file
func (s *Store) SaveLastDisconnect(addr string, intent state.Intent) error {
	if intent != state.Intentional && intent != state.Unintentional {
		return errors.WithAddress(errors.Newf(errors.ErrInvalidInput, "cannot persist intent %s", intent), addr)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	k := key(addr)
	now := s.now()
	prev, err := store.Get[LastDisconnect](s.kv, k)
	if err == nil {
		err = s.kv.UpdateFields(k, map[string]interface{}{
			"Intent":  intent.String(),
			"SavedAt": now,
			"Saves":   prev.Saves + 1,
		})
	} else {
		err = s.kv.Put(k, LastDisconnect{
			Address: strings.ToUpper(addr),
			Intent:  intent.String(),
			SavedAt: now,
			Saves:   1,
		})
	}
	if err != nil {
		return errors.WithAddress(errors.Wrap(err, errors.ErrPersistence, "failed to record last disconnect"), addr)
	}
	return errors.WithAddress(s.flush(), addr)
}

// LoadLastDisconnect returns the recorded intent for addr, or NullIntent
func (s *Store) LoadLastDisconnect(addr string) state.Intent {
	rec, ok := s.Get(addr)
	if !ok {
		return state.NullIntent
	}
	switch rec.Intent {
	case state.Intentional.String():
		return state.Intentional
	case state.Unintentional.String():
		return state.Unintentional
	default:
		return state.NullIntent
	}
}

// Get returns the full record for addr
func (s *Store) Get(addr string) (LastDisconnect, bool) {
	rec, err := store.Get[LastDisconnect](s.kv, key(addr))
	return rec, err == nil
}

// Clear forgets addr
func (s *Store) Clear(addr string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.kv.Delete(key(addr))
	return errors.WithAddress(s.flush(), addr)
}

// Records lists every record sorted by address
func (s *Store) Records() []LastDisconnect {
	var out []LastDisconnect
	for _, k := range s.kv.ListKeysWithPrefix(keyPrefix) {
		if rec, err := store.Get[LastDisconnect](s.kv, k); err == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Schema returns the JSON schema of a record
func Schema() *jsonschema.Schema {
	return store.TypeToSchema(reflect.TypeOf(LastDisconnect{}))
}

// flush must be called with the mutex held
func (s *Store) flush() error {
	if s.path == "" {
		return nil
	}
	f := File{
		Records:     s.kv.Raw(keyPrefix),
		Schema:      Schema(),
		LastUpdated: s.now(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrPersistence, "failed to marshal state")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, errors.ErrPersistence, "failed to write state file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, errors.ErrPersistence, "failed to replace state file")
	}
	return nil
}

func (s *Store) load() error {
	f, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	for k, blob := range f.Records {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		if err := store.PutRaw[LastDisconnect](s.kv, k, blob); err != nil {
			return errors.Wrap(err, errors.ErrPersistence, "failed to load record")
		}
	}
	return nil
}

// ReadFile decodes a state file without opening a store
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrPersistence, "failed to read state file")
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrPersistence, fmt.Sprintf("failed to unmarshal %s", path))
	}
	if f.Records == nil {
		f.Records = make(map[string]json.RawMessage)
	}
	return &f, nil
}

// Decode returns the records of a state file sorted by address
func (f *File) Decode() ([]LastDisconnect, error) {
	out := make([]LastDisconnect, 0, len(f.Records))
	for k, blob := range f.Records {
		var rec LastDisconnect
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrPersistence, fmt.Sprintf("bad record %s", k))
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
