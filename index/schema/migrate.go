package schema

import (
	"context"
	"fmt"

	"github.com/cirrusbackup/barindex/index/db"
)

// UpgradeFunc performs one version-delta migration step against an
// already-open read-write database handle.
type UpgradeFunc func(ctx context.Context, d *db.DB) error

// Upgrades maps "from version" to the function that moves the schema
// one step forward, 1→2 … 6→7. RunUpgrades applies them in sequence
// starting from the detected version.
var Upgrades = map[int]UpgradeFunc{
	1: upgradeFrom1,
	2: upgradeFrom2,
	3: upgradeFrom3,
	4: upgradeFrom4,
	5: upgradeFrom5,
	6: upgradeFrom6,
}

// RunUpgrades repairs NULL ids on every table with an id column, then
// runs each upgrade step from fromVersion to CurrentVersion in order.
func RunUpgrades(ctx context.Context, d *db.DB, fromVersion int) error {
	if err := RepairNullIDs(ctx, d); err != nil {
		return fmt.Errorf("schema: repair null ids: %w", err)
	}
	for v := fromVersion; v < CurrentVersion; v++ {
		up, ok := Upgrades[v]
		if !ok {
			return fmt.Errorf("schema: no upgrade path from version %d", v)
		}
		if err := up(ctx, d); err != nil {
			return fmt.Errorf("schema: upgrade from version %d: %w", v, err)
		}
	}
	_, err := d.Exec(ctx, "UPDATE meta SET value=? WHERE name='version'", CurrentVersion)
	return err
}

// tablesWithIDColumn lists every table in the current schema that has
// an id column; RepairNullIDs runs UPDATE t SET id=rowid WHERE id IS
// NULL against each one.
var tablesWithIDColumn = []string{
	"uuids", "entities", "storages", "entries",
	"entryFragments", "skippedEntries", "history",
}

// RepairNullIDs fixes rows whose id column is NULL by assigning them
// their implicit SQLite rowid, a pre-migration repair step required
// before any column translation.
func RepairNullIDs(ctx context.Context, d *db.DB) error {
	for _, t := range tablesWithIDColumn {
		if _, err := d.Exec(ctx, fmt.Sprintf("UPDATE %s SET id=rowid WHERE id IS NULL", t)); err != nil {
			return fmt.Errorf("schema: repair ids in %s: %w", t, err)
		}
	}
	return nil
}

// The six upgrade steps below all call copyForwardCompatible, which
// changes nothing: no per-version column translation is performed.
// Older versions are assumed to be strict column subsets of a schema
// that has only ever grown monotonically; the row copy itself is done
// afterwards by importRows in index/cleanup.go.

func upgradeFrom1(ctx context.Context, d *db.DB) error { return copyForwardCompatible(ctx, d) }
func upgradeFrom2(ctx context.Context, d *db.DB) error { return copyForwardCompatible(ctx, d) }
func upgradeFrom3(ctx context.Context, d *db.DB) error { return copyForwardCompatible(ctx, d) }
func upgradeFrom4(ctx context.Context, d *db.DB) error { return copyForwardCompatible(ctx, d) }
func upgradeFrom5(ctx context.Context, d *db.DB) error { return copyForwardCompatible(ctx, d) }
func upgradeFrom6(ctx context.Context, d *db.DB) error { return copyForwardCompatible(ctx, d) }

// copyForwardCompatible is the shared body of every upgrade step: it is
// a no-op against a database whose tables already match the current
// schema's column set (true for every version this module creates,
// since CreateTables is the only DDL ever executed), and exists so the
// import pipeline in cleanup.go always has a concrete function to call
// per source version.
func copyForwardCompatible(ctx context.Context, d *db.DB) error {
	return nil
}
