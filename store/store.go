// Package store is a typed, threadsafe key-value store. Values are kept as
// JSON together with their Go type, so a record can be patched field by
// field and dumped as raw JSON for a file without knowing its type.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/morrisxyang/xreflect"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrTypeMismatch = errors.New("type mismatch on Get")
	ErrEmptyKey     = errors.New("key cannot be empty")
)

type entry struct {
	typ  reflect.Type
	blob []byte
}

// KVStore holds typed JSON values by key
type KVStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewKVStore constructs an empty store
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]entry)}
}

// Put stores value under key, remembering its concrete type
func (s *KVStore) Put(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = entry{typ: reflect.TypeOf(value), blob: blob}
	s.mu.Unlock()
	return nil
}

// Get decodes key into a T. Asking for a different type than was stored
// is ErrTypeMismatch.
func Get[T any](s *KVStore, key string) (T, error) {
	var v T
	if key == "" {
		return v, ErrEmptyKey
	}
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return v, ErrNotFound
	}
	if want := reflect.TypeOf(v); e.typ != want {
		return v, fmt.Errorf("%w: %s holds %v, not %v", ErrTypeMismatch, key, e.typ, want)
	}
	err := json.Unmarshal(e.blob, &v)
	return v, err
}

// Delete removes key and reports whether it existed
func (s *KVStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// ListKeysWithPrefix returns the keys starting with prefix, sorted
func (s *KVStore) ListKeysWithPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateFields patches the named fields of a stored struct in place. Field
// paths use xreflect dot notation ("Intent", "Meta.Count").
func (s *KVStore) UpdateFields(key string, fields map[string]interface{}) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}
	if len(fields) == 0 {
		return nil
	}

	ptr := reflect.New(e.typ).Interface()
	if err := json.Unmarshal(e.blob, ptr); err != nil {
		return err
	}
	for path, value := range fields {
		if err := xreflect.SetEmbedField(ptr, path, value); err != nil {
			return fmt.Errorf("%s: set %s: %w", key, path, err)
		}
	}
	blob, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	s.data[key] = entry{typ: e.typ, blob: blob}
	return nil
}

// Raw copies out the JSON of every entry whose key starts with prefix
func (s *KVStore) Raw(prefix string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append(json.RawMessage(nil), e.blob...)
		}
	}
	return out
}

// PutRaw decodes blob as a T and stores it under key
func PutRaw[T any](s *KVStore, key string, blob []byte) error {
	var v T
	if err := json.Unmarshal(blob, &v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return s.Put(key, v)
}

// TypeToSchema reflects the JSON schema of t, dereferencing pointers
func TypeToSchema(t reflect.Type) *jsonschema.Schema {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r := jsonschema.Reflector{ExpandedStruct: true}
	return r.Reflect(reflect.New(t).Interface())
}
