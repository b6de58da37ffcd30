package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/maloquacious/goobkv/internal/config"
	"github.com/maloquacious/goobkv/internal/db"
	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/store"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	dbCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the database at the configured version",
		Args:  cobra.NoArgs,
		RunE:  runDBCreate,
	}
	dbUpgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade an existing database to the configured version",
		Args:  cobra.NoArgs,
		RunE:  runDBUpgrade,
	}
	dbVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify schema integrity and version; exits non-zero when not ready",
		Args:  cobra.NoArgs,
		RunE:  runDBVerify,
	}
	dbClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every record from the configured stores",
		Args:  cobra.NoArgs,
		RunE:  runDBClear,
	}
	dbDeleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the database",
		Args:  cobra.NoArgs,
		RunE:  runDBDelete,
	}
	dbListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the databases in the data directory",
		Args:  cobra.NoArgs,
		RunE:  runDBList,
	}

	dbCmd.AddCommand(dbCreateCmd, dbUpgradeCmd, dbVerifyCmd, dbClearCmd, dbDeleteCmd, dbListCmd)
	return dbCmd
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	old, err := a.storedVersion()
	if err != nil {
		return err
	}
	if old > 0 {
		return fmt.Errorf("database %s already exists at version %d, use db upgrade", a.cfg.Name, old)
	}
	d, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s at version %d\n", d.Name(), d.Version())
	return err
}

func runDBUpgrade(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	old, err := a.storedVersion()
	if err != nil {
		return err
	}
	if old == 0 {
		return fmt.Errorf("database %s does not exist, use db create", a.cfg.Name)
	}
	d, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()
	if old == d.Version() {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is already at version %d\n", d.Name(), old)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "upgraded %s from version %d to %d\n", d.Name(), old, d.Version())
	return err
}

var errNotReady = errors.New("database is not ready")

type verifyReport struct {
	State         store.StoreState `json:"state"`
	Name          string           `json:"name"`
	StoredVersion int              `json:"storedVersion"`
	ConfigVersion int              `json:"configVersion"`
	Mismatches    []string         `json:"mismatches"`
}

// buildReport compares a stored database against the configuration. A nil
// info means the database does not exist. Structural mismatches are only
// computed when the configuration declares stores or relies on the
// synchronizer.
func buildReport(cfg *config.File, info *engine.DatabaseInfo) verifyReport {
	r := verifyReport{Name: cfg.Name, ConfigVersion: cfg.Version, Mismatches: []string{}}
	if info == nil {
		r.State = store.StateMissing
		return r
	}
	r.StoredVersion = info.Version
	if len(cfg.Stores) > 0 || len(cfg.Migrations) == 0 {
		for _, m := range db.Verify(info.Stores, cfg.DB(nil).Stores) {
			r.Mismatches = append(r.Mismatches, m.String())
		}
	}
	switch {
	case info.Version < cfg.Version:
		r.State = store.StateOutdated
	case info.Version > cfg.Version:
		r.State = store.StateAhead
	case len(r.Mismatches) > 0:
		r.State = store.StateDrift
	default:
		r.State = store.StateReady
	}
	return r
}

func runDBVerify(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	var info *engine.DatabaseInfo
	live, err := a.factory.Inspect(a.cfg.Name)
	switch {
	case err == nil:
		info = &live
	case !errors.Is(err, engine.ErrNotFound):
		return err
	}
	report := buildReport(a.cfg, info)
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.State != store.StateReady {
		return fmt.Errorf("%w: %s", errNotReady, report.State)
	}
	return nil
}

func runDBClear(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, a *app, d *db.DB) error {
		if err := d.Clear(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", d.Name())
		return err
	})
}

func runDBDelete(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	old, err := a.storedVersion()
	if err != nil {
		return err
	}
	if old == 0 {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s does not exist\n", a.cfg.Name)
		return err
	}
	d, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	if err := d.Delete(cmd.Context()); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", a.cfg.Name)
	return err
}

func runDBList(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	names, err := a.factory.Databases()
	if err != nil {
		return err
	}
	list := []engine.DatabaseInfo{}
	for _, name := range names {
		info, err := a.factory.Inspect(name)
		if err != nil {
			return err
		}
		list = append(list, info)
	}
	return writeJSON(cmd.OutOrStdout(), list)
}
