package engine

import (
	"bytes"
	"fmt"

	"github.com/maloquacious/goobkv/internal/store"
)

// indexKeys returns the index keys value contributes to ix. Values without a
// valid key at the index key path are not indexed.
func (ix *indexMeta) keys(value any) []Key {
	if ix.MultiEntry {
		raw, found := lookup(value, ix.KeyPath[0])
		if !found {
			return nil
		}
		arr, ok := raw.([]any)
		if !ok {
			if k, err := NormalizeKey(raw); err == nil {
				return []Key{k}
			}
			return nil
		}
		var out []Key
		seen := map[string]bool{}
		for _, e := range arr {
			k, err := NormalizeKey(e)
			if err != nil {
				continue
			}
			if enc := string(encodeKey(k)); !seen[enc] {
				seen[enc] = true
				out = append(out, k)
			}
		}
		return out
	}
	k, ok, err := ix.KeyPath.extract(value)
	if err != nil || !ok {
		return nil
	}
	return []Key{k}
}

func indexEntryKey(indexKey Key, encPK []byte) []byte {
	return append(encodeKey(indexKey), encPK...)
}

// checkUnique fails when an entry for indexKey belongs to a record other than encPK.
func checkUnique(tx store.Tx, bucket string, ix *indexMeta, indexKey Key, encPK []byte) error {
	prefix := encodeKey(indexKey)
	var conflict bool
	err := tx.Scan(bucket, prefix, store.PrefixEnd(prefix), false, func(_, v []byte) (bool, error) {
		if !bytes.Equal(v, encPK) {
			conflict = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if conflict {
		return fmt.Errorf("%w: unique index %s already has key %v", ErrConstraint, ix.Name, indexKey)
	}
	return nil
}

// putRecord writes value under its primary key and maintains every index of
// the store. value must already be a structured clone.
func putRecord(tx store.Tx, m *storeMeta, value any, key Key, noOverwrite bool) (Key, error) {
	var err error
	switch {
	case !m.KeyPath.IsZero():
		if key != nil {
			return nil, fmt.Errorf("%w: store %s uses in-line keys", ErrData, m.Name)
		}
		k, ok, err := m.KeyPath.extract(value)
		if err != nil {
			return nil, err
		}
		if ok {
			key = k
			if m.AutoIncrement {
				if err := bumpGenerator(tx, m.Name, key); err != nil {
					return nil, err
				}
			}
			break
		}
		if !m.AutoIncrement {
			return nil, fmt.Errorf("%w: no key at key path %s", ErrData, m.KeyPath)
		}
		gen, err := nextGeneratedKey(tx, m.Name)
		if err != nil {
			return nil, err
		}
		if err := m.KeyPath.inject(value, gen); err != nil {
			return nil, err
		}
		key = gen
	case key != nil:
		if key, err = NormalizeKey(key); err != nil {
			return nil, err
		}
		if m.AutoIncrement {
			if err := bumpGenerator(tx, m.Name, key); err != nil {
				return nil, err
			}
		}
	case m.AutoIncrement:
		gen, err := nextGeneratedKey(tx, m.Name)
		if err != nil {
			return nil, err
		}
		key = gen
	default:
		return nil, fmt.Errorf("%w: store %s requires an explicit key", ErrData, m.Name)
	}

	encPK := encodeKey(key)
	bucket := recordBucket(m.Name)
	existing, err := tx.Get(bucket, encPK)
	if err != nil {
		return nil, err
	}
	if existing != nil && noOverwrite {
		return nil, fmt.Errorf("%w: key %v already exists in %s", ErrConstraint, key, m.Name)
	}

	entries := map[string][]Key{}
	for name, ix := range m.Indexes {
		keys := ix.keys(value)
		if ix.Unique {
			for _, ik := range keys {
				if err := checkUnique(tx, indexBucket(m.Name, name), ix, ik, encPK); err != nil {
					return nil, err
				}
			}
		}
		entries[name] = keys
	}

	if existing != nil {
		if err := removeIndexEntries(tx, m, existing, encPK); err != nil {
			return nil, err
		}
	}

	data, err := encodeValue(value)
	if err != nil {
		return nil, err
	}
	if err := tx.Put(bucket, encPK, data); err != nil {
		return nil, err
	}
	for name, keys := range entries {
		for _, ik := range keys {
			if err := tx.Put(indexBucket(m.Name, name), indexEntryKey(ik, encPK), encPK); err != nil {
				return nil, err
			}
		}
	}
	return key, nil
}

func removeIndexEntries(tx store.Tx, m *storeMeta, data []byte, encPK []byte) error {
	if len(m.Indexes) == 0 {
		return nil
	}
	old, err := decodeValue(data)
	if err != nil {
		return err
	}
	for name, ix := range m.Indexes {
		for _, ik := range ix.keys(old) {
			if err := tx.Delete(indexBucket(m.Name, name), indexEntryKey(ik, encPK)); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteRecord(tx store.Tx, m *storeMeta, encPK []byte) error {
	bucket := recordBucket(m.Name)
	existing, err := tx.Get(bucket, encPK)
	if err != nil || existing == nil {
		return err
	}
	if err := removeIndexEntries(tx, m, existing, encPK); err != nil {
		return err
	}
	return tx.Delete(bucket, encPK)
}

// kv is one backend entry.
type kv struct {
	k, v []byte
}

// scanRange collects up to limit entries of bucket within rng; limit <= 0
// means no limit.
func scanRange(tx store.Tx, bucket string, rng *KeyRange, reverse bool, limit int) ([]kv, error) {
	start, end := rng.bounds()
	var out []kv
	err := tx.Scan(bucket, start, end, reverse, func(k, v []byte) (bool, error) {
		out = append(out, kv{k, v})
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

func countRange(tx store.Tx, bucket string, rng *KeyRange) (int, error) {
	start, end := rng.bounds()
	n := 0
	err := tx.Scan(bucket, start, end, false, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func clearStore(tx store.Tx, m *storeMeta) error {
	buckets := []string{recordBucket(m.Name)}
	for name := range m.Indexes {
		buckets = append(buckets, indexBucket(m.Name, name))
	}
	for _, b := range buckets {
		if err := tx.DeleteBucket(b); err != nil {
			return err
		}
		if err := tx.CreateBucket(b); err != nil {
			return err
		}
	}
	return nil
}

// populateIndex builds the entries of a new index from the existing records.
func populateIndex(tx store.Tx, m *storeMeta, ix *indexMeta) error {
	records, err := scanRange(tx, recordBucket(m.Name), nil, false, 0)
	if err != nil {
		return err
	}
	bucket := indexBucket(m.Name, ix.Name)
	for _, rec := range records {
		value, err := decodeValue(rec.v)
		if err != nil {
			return err
		}
		for _, ik := range ix.keys(value) {
			if ix.Unique {
				if err := checkUnique(tx, bucket, ix, ik, rec.k); err != nil {
					return err
				}
			}
			if err := tx.Put(bucket, indexEntryKey(ik, rec.k), rec.k); err != nil {
				return err
			}
		}
	}
	return nil
}
