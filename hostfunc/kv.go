package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/caffeineduck/moonrun/library"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 << 10 // 64KB
	DefaultKVMaxEntries   = 10000
)

// KVConfig bounds the in-memory store. Zero fields take the defaults.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

// KV is an in-memory key-value store shared by every script of a runtime.
// Values are plain data; their size is measured in encoded CBOR bytes.
type KV struct {
	cfg  KVConfig
	data map[string]any
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig) *KV {
	def := DefaultKVConfig()
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = def.MaxKeySize
	}
	if cfg.MaxValueSize == 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &KV{cfg: cfg, data: make(map[string]any)}
}

// Get returns the value for key, the default argument when key is missing,
// or nil.
func (s *KV) Get(ctx context.Context, args map[string]any) (any, error) {
	key, ok := stringAt(args, "key", 0)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		def, _ := argAt(args, "default", 1)
		return def, nil
	}
	return val, nil
}

func (s *KV) Set(ctx context.Context, args map[string]any) (any, error) {
	key, ok := stringAt(args, "key", 0)
	if !ok {
		return nil, errors.New("key required")
	}
	val, ok := argAt(args, "value", 1)
	if !ok {
		return nil, errors.New("value required")
	}

	if len(key) > s.cfg.MaxKeySize {
		return nil, fmt.Errorf("key exceeds max size of %d bytes", s.cfg.MaxKeySize)
	}
	encoded, err := cbor.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("unsupported value: %w", err)
	}
	if len(encoded) > s.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds max size of %d bytes", s.cfg.MaxValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && len(s.data) >= s.cfg.MaxEntries {
		return nil, fmt.Errorf("store is full (%d entries)", s.cfg.MaxEntries)
	}
	s.data[key] = val

	return "ok", nil
}

func (s *KV) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, ok := stringAt(args, "key", 0)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return "ok", nil
}

// Keys returns all keys in sorted order.
func (s *KV) Keys(ctx context.Context, args map[string]any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Namespace exposes the store as @std/kv.
func (s *KV) Namespace() library.Namespace {
	return library.Namespace{
		"get":    Func(s.Get),
		"set":    Func(s.Set),
		"delete": Func(s.Delete),
		"keys":   Func(s.Keys),
	}
}
