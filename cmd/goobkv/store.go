package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maloquacious/goobkv/internal/db"
	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/spf13/cobra"
)

var (
	listIndex   string
	listReverse bool
)

func newStoreCmd() *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Read and write records of an object store",
	}

	storePutCmd := &cobra.Command{
		Use:   "put <store> <json> [key]",
		Short: "Insert or replace a record",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runStorePut,
	}
	storeGetCmd := &cobra.Command{
		Use:   "get <store> <key>",
		Short: "Print the record stored under key",
		Args:  cobra.ExactArgs(2),
		RunE:  runStoreGet,
	}
	storeCountCmd := &cobra.Command{
		Use:   "count <store>",
		Short: "Count the records of a store",
		Args:  cobra.ExactArgs(1),
		RunE:  runStoreCount,
	}
	storeListCmd := &cobra.Command{
		Use:   "list <store>",
		Short: "List records in key order",
		Args:  cobra.ExactArgs(1),
		RunE:  runStoreList,
	}
	storeListCmd.Flags().StringVar(&listIndex, "index", "", "walk this index instead of the primary key")
	storeListCmd.Flags().BoolVar(&listReverse, "reverse", false, "list in descending key order")
	storeDeleteCmd := &cobra.Command{
		Use:   "delete <store> <key>",
		Short: "Delete the record stored under key",
		Args:  cobra.ExactArgs(2),
		RunE:  runStoreDelete,
	}

	storeCmd.AddCommand(storePutCmd, storeGetCmd, storeCountCmd, storeListCmd, storeDeleteCmd)
	return storeCmd
}

// parseKey reads a key argument as JSON, falling back to a plain string.
// "7" is the number 7, "[\"a\",1]" a compound key and "abc" a string.
func parseKey(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case float64, string, []any:
		return v
	}
	return s
}

func runStorePut(cmd *cobra.Command, args []string) error {
	var value any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		return fmt.Errorf("invalid JSON value: %w", err)
	}
	var key any
	if len(args) == 3 {
		key = parseKey(args[2])
	}
	return withDB(cmd, func(ctx context.Context, a *app, d *db.DB) error {
		k, err := d.Store(args[0]).Put(ctx, value, key)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"key": k})
	})
}

func runStoreGet(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, a *app, d *db.DB) error {
		v, err := d.Store(args[0]).Get(ctx, parseKey(args[1]))
		if err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("%s: no record for key %s", args[0], args[1])
		}
		return writeJSON(cmd.OutOrStdout(), v)
	})
}

func runStoreCount(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, a *app, d *db.DB) error {
		n, err := d.Store(args[0]).Count(ctx, nil)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	})
}

// entry is one row of store list output.
type entry struct {
	Key        any `json:"key"`
	PrimaryKey any `json:"primaryKey"`
	Value      any `json:"value"`
}

func runStoreList(cmd *cobra.Command, args []string) error {
	dir := engine.Next
	if listReverse {
		dir = engine.Prev
	}
	toEntry := func(c *engine.Cursor) (any, bool) {
		return entry{Key: c.Key(), PrimaryKey: c.PrimaryKey(), Value: c.Value()}, true
	}
	return withDB(cmd, func(ctx context.Context, a *app, d *db.DB) error {
		s := d.Store(args[0])
		var (
			rows []any
			err  error
		)
		if listIndex != "" {
			rows, err = s.Index(listIndex).OpenCursor(ctx, nil, dir, toEntry)
		} else {
			rows, err = s.OpenCursor(ctx, nil, dir, toEntry)
		}
		if err != nil {
			return err
		}
		if rows == nil {
			rows = []any{}
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	})
}

func runStoreDelete(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, a *app, d *db.DB) error {
		if err := d.Store(args[0]).Delete(ctx, parseKey(args[1])); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s\n", args[0], args[1])
		return err
	})
}
