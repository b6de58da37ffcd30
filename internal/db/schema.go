package db

import (
	"fmt"

	"github.com/maloquacious/goobkv/internal/engine"
)

// Synchronize reconciles the database structure with stores inside an
// upgrade: it deletes unconfigured stores, creates missing stores, then for
// every configured store deletes unconfigured indexes and creates missing
// ones. Existing stores and indexes are not altered.
func Synchronize(conn *engine.Connection, tx *engine.Transaction, stores []StoreSchema) error {
	wanted := map[string]StoreSchema{}
	for _, s := range stores {
		wanted[s.Name] = s
	}

	existing := map[string]bool{}
	for _, name := range conn.ObjectStoreNames() {
		if _, ok := wanted[name]; !ok {
			if err := conn.DeleteObjectStore(name); err != nil {
				return fmt.Errorf("failed to delete store %s: %w", name, err)
			}
			continue
		}
		existing[name] = true
	}

	for _, s := range stores {
		if existing[s.Name] {
			continue
		}
		if _, err := conn.CreateObjectStore(s.Name, s.Options); err != nil {
			return fmt.Errorf("failed to create store %s: %w", s.Name, err)
		}
	}

	for _, s := range stores {
		os, err := tx.ObjectStore(s.Name)
		if err != nil {
			return err
		}
		want := map[string]bool{}
		for _, ix := range s.Indexes {
			want[ix.Name] = true
		}
		for _, name := range os.IndexNames() {
			if !want[name] {
				if err := os.DeleteIndex(name); err != nil {
					return fmt.Errorf("failed to delete index %s.%s: %w", s.Name, name, err)
				}
			}
		}
	}

	for _, s := range stores {
		os, err := tx.ObjectStore(s.Name)
		if err != nil {
			return err
		}
		have := map[string]bool{}
		for _, name := range os.IndexNames() {
			have[name] = true
		}
		for _, ix := range s.Indexes {
			if have[ix.Name] {
				continue
			}
			if _, err := os.CreateIndex(ix.Name, ix.KeyPath, ix.Options); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", s.Name, ix.Name, err)
			}
		}
	}
	return nil
}

// Mismatch is one difference between a configured schema and a live one.
type Mismatch struct {
	Store   string `json:"store"`
	Index   string `json:"index,omitempty"`
	Problem string `json:"problem"`
}

func (m Mismatch) String() string {
	if m.Index != "" {
		return fmt.Sprintf("%s.%s: %s", m.Store, m.Index, m.Problem)
	}
	return fmt.Sprintf("%s: %s", m.Store, m.Problem)
}

// Verify compares the configured stores against the live structure. The
// result is empty when the two match exactly, options included.
func Verify(live []engine.StoreInfo, stores []StoreSchema) []Mismatch {
	var out []Mismatch
	actual := map[string]engine.StoreInfo{}
	for _, si := range live {
		actual[si.Name] = si
	}
	configured := map[string]bool{}
	for _, s := range stores {
		configured[s.Name] = true
		si, ok := actual[s.Name]
		if !ok {
			out = append(out, Mismatch{Store: s.Name, Problem: "missing"})
			continue
		}
		if !sameKeyPath(si.KeyPath, s.Options.KeyPath) {
			out = append(out, Mismatch{Store: s.Name, Problem: fmt.Sprintf("key path is %q, want %q", si.KeyPath, s.Options.KeyPath)})
		}
		if si.AutoIncrement != s.Options.AutoIncrement {
			out = append(out, Mismatch{Store: s.Name, Problem: fmt.Sprintf("autoIncrement is %t, want %t", si.AutoIncrement, s.Options.AutoIncrement)})
		}
		out = append(out, verifyIndexes(s, si)...)
	}
	for _, si := range live {
		if !configured[si.Name] {
			out = append(out, Mismatch{Store: si.Name, Problem: "not configured"})
		}
	}
	return out
}

func verifyIndexes(s StoreSchema, si engine.StoreInfo) []Mismatch {
	var out []Mismatch
	actual := map[string]engine.IndexInfo{}
	for _, ii := range si.Indexes {
		actual[ii.Name] = ii
	}
	configured := map[string]bool{}
	for _, ix := range s.Indexes {
		configured[ix.Name] = true
		ii, ok := actual[ix.Name]
		if !ok {
			out = append(out, Mismatch{Store: s.Name, Index: ix.Name, Problem: "missing"})
			continue
		}
		if !sameKeyPath(ii.KeyPath, ix.KeyPath) {
			out = append(out, Mismatch{Store: s.Name, Index: ix.Name, Problem: fmt.Sprintf("key path is %q, want %q", ii.KeyPath, ix.KeyPath)})
		}
		if ii.Unique != ix.Options.Unique {
			out = append(out, Mismatch{Store: s.Name, Index: ix.Name, Problem: fmt.Sprintf("unique is %t, want %t", ii.Unique, ix.Options.Unique)})
		}
		if ii.MultiEntry != ix.Options.MultiEntry {
			out = append(out, Mismatch{Store: s.Name, Index: ix.Name, Problem: fmt.Sprintf("multiEntry is %t, want %t", ii.MultiEntry, ix.Options.MultiEntry)})
		}
	}
	for _, ii := range si.Indexes {
		if !configured[ii.Name] {
			out = append(out, Mismatch{Store: s.Name, Index: ii.Name, Problem: "not configured"})
		}
	}
	return out
}

func sameKeyPath(a, b engine.KeyPath) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
