package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/maloquacious/goobkv/internal/store"
)

// StoreOptions configures a new object store.
type StoreOptions struct {
	KeyPath       KeyPath
	AutoIncrement bool
}

// IndexOptions configures a new index.
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

type indexMeta struct {
	Name       string  `cbor:"name"`
	KeyPath    KeyPath `cbor:"keyPath"`
	Unique     bool    `cbor:"unique"`
	MultiEntry bool    `cbor:"multiEntry"`
}

type storeMeta struct {
	Name          string                `cbor:"name"`
	KeyPath       KeyPath               `cbor:"keyPath"`
	AutoIncrement bool                  `cbor:"autoIncrement"`
	Indexes       map[string]*indexMeta `cbor:"indexes"`
}

func (m *storeMeta) clone() *storeMeta {
	c := *m
	c.Indexes = make(map[string]*indexMeta, len(m.Indexes))
	for name, ix := range m.Indexes {
		cp := *ix
		c.Indexes[name] = &cp
	}
	return &c
}

func (m *storeMeta) indexNames() []string {
	names := make([]string, 0, len(m.Indexes))
	for name := range m.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// schema is an immutable snapshot of a database's stores, except for the
// working copy owned by a version-change transaction.
type schema struct {
	stores map[string]*storeMeta
}

func newSchema() *schema {
	return &schema{stores: map[string]*storeMeta{}}
}

func (s *schema) clone() *schema {
	c := newSchema()
	for name, m := range s.stores {
		c.stores[name] = m.clone()
	}
	return c
}

func (s *schema) names() []string {
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	metaBucket      = "meta"
	versionKey      = "version"
	storeMetaPrefix = "store/"
	generatorPrefix = "gen/"

	// maxGeneratedKey is the largest integer a float64 represents exactly.
	maxGeneratedKey = 1 << 53
)

func recordBucket(storeName string) string {
	return "s/" + storeName
}

func indexBucket(storeName, indexName string) string {
	return fmt.Sprintf("i/%d/%s/%s", len(storeName), storeName, indexName)
}

// loadMeta reads the stored version and schema. A backend without a meta
// bucket is a database that has never been upgraded: version 0, no stores.
func loadMeta(b store.Backend) (int, *schema, error) {
	tx, err := b.Begin(false)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	raw, err := tx.Get(metaBucket, []byte(versionKey))
	if errors.Is(err, store.ErrBucketNotFound) {
		return 0, newSchema(), nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read database version: %w", err)
	}
	version := 0
	if raw != nil {
		if version, err = strconv.Atoi(string(raw)); err != nil {
			return 0, nil, fmt.Errorf("failed to parse database version %q: %w", raw, err)
		}
	}

	sc := newSchema()
	prefix := []byte(storeMetaPrefix)
	err = tx.Scan(metaBucket, prefix, store.PrefixEnd(prefix), false, func(_, v []byte) (bool, error) {
		var m storeMeta
		if err := decMode.Unmarshal(v, &m); err != nil {
			return false, fmt.Errorf("failed to decode store metadata: %w", err)
		}
		if m.Indexes == nil {
			m.Indexes = map[string]*indexMeta{}
		}
		sc.stores[m.Name] = &m
		return true, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return version, sc, nil
}

func writeVersion(tx store.Tx, version int) error {
	if err := tx.CreateBucket(metaBucket); err != nil {
		return err
	}
	return tx.Put(metaBucket, []byte(versionKey), []byte(strconv.Itoa(version)))
}

func writeStoreMeta(tx store.Tx, m *storeMeta) error {
	data, err := encMode.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode store metadata: %w", err)
	}
	return tx.Put(metaBucket, []byte(storeMetaPrefix+m.Name), data)
}

func deleteStoreMeta(tx store.Tx, name string) error {
	if err := tx.Delete(metaBucket, []byte(storeMetaPrefix+name)); err != nil {
		return err
	}
	return tx.Delete(metaBucket, []byte(generatorPrefix+name))
}

func readGenerator(tx store.Tx, name string) (float64, error) {
	raw, err := tx.Get(metaBucket, []byte(generatorPrefix+name))
	if err != nil || raw == nil {
		return 0, err
	}
	return strconv.ParseFloat(string(raw), 64)
}

func writeGenerator(tx store.Tx, name string, current float64) error {
	return tx.Put(metaBucket, []byte(generatorPrefix+name), []byte(strconv.FormatFloat(current, 'f', -1, 64)))
}

// nextGeneratedKey advances the store's key generator.
func nextGeneratedKey(tx store.Tx, name string) (float64, error) {
	current, err := readGenerator(tx, name)
	if err != nil {
		return 0, err
	}
	if current >= maxGeneratedKey {
		return 0, fmt.Errorf("%w: key generator for %s is exhausted", ErrConstraint, name)
	}
	next := current + 1
	return next, writeGenerator(tx, name, next)
}

// bumpGenerator moves the generator past an explicitly supplied numeric key.
func bumpGenerator(tx store.Tx, name string, key Key) error {
	n, ok := key.(float64)
	if !ok {
		return nil
	}
	current, err := readGenerator(tx, name)
	if err != nil {
		return err
	}
	if n < current {
		return nil
	}
	return writeGenerator(tx, name, math.Min(math.Floor(n), maxGeneratedKey))
}

// StoreInfo describes an object store.
type StoreInfo struct {
	Name          string      `json:"name"`
	KeyPath       KeyPath     `json:"keyPath,omitempty"`
	AutoIncrement bool        `json:"autoIncrement,omitempty"`
	Indexes       []IndexInfo `json:"indexes,omitempty"`
}

// IndexInfo describes an index.
type IndexInfo struct {
	Name       string  `json:"name"`
	KeyPath    KeyPath `json:"keyPath"`
	Unique     bool    `json:"unique,omitempty"`
	MultiEntry bool    `json:"multiEntry,omitempty"`
}

func (s *schema) info() []StoreInfo {
	out := make([]StoreInfo, 0, len(s.stores))
	for _, name := range s.names() {
		m := s.stores[name]
		si := StoreInfo{Name: name, KeyPath: m.KeyPath, AutoIncrement: m.AutoIncrement}
		for _, ixName := range m.indexNames() {
			ix := m.Indexes[ixName]
			si.Indexes = append(si.Indexes, IndexInfo{Name: ix.Name, KeyPath: ix.KeyPath, Unique: ix.Unique, MultiEntry: ix.MultiEntry})
		}
		out = append(out, si)
	}
	return out
}
