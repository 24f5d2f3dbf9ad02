package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cirrusbackup/barindex/index/db"
	"github.com/cirrusbackup/barindex/index/schema"
)

// purgeBatchSize bounds how many rows a single purge transaction
// touches: batches of 64 rows keep transactions short.
const purgeBatchSize = 64

// workerIdleSleep is the longest the worker sleeps between storages
// with nothing to purge.
const workerIdleSleep = 20 * time.Second

// Worker is the single long-lived cleanup worker: it owns its own
// read-write handle, imports old-version snapshots, runs initial
// cleanup once, then loops purging soft-deleted storages until told to
// quit.
type Worker struct {
	h   *Handle
	log *logrus.Entry
}

// StartCleanupWorker opens a dedicated read-write handle on path and
// returns a Worker ready for Run. Exactly one of these should exist
// per process.
func StartCleanupWorker(path string, opts ...Option) (*Worker, error) {
	h, err := Open(path, false, opts...)
	if err != nil {
		return nil, err
	}
	return &Worker{h: h, log: h.log}, nil
}

// Close releases the worker's own handle.
func (w *Worker) Close() error { return w.h.Close() }

// Run executes the full lifecycle: import old snapshots, run initial
// cleanup once (swallowing its own failures), then loop until
// RequestQuit is observed or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Started initial clean-up")

	imported, err := w.importOldSiblings(ctx)
	if err != nil {
		w.log.WithError(err).Warn("import of old index snapshots failed")
	}
	if imported > 0 {
		w.log.Infof("Imported %d old snapshot(s)", imported)
	}

	if err := w.initialCleanup(ctx); err != nil {
		// Initial-cleanup failures are logged and swallowed: the engine
		// must still start.
		w.log.WithError(err).Warn("initial clean-up failed")
	}

	for !quitFlag.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		processed, err := w.purgeOneDeletedStorage(ctx)
		if err != nil {
			w.log.WithError(err).Warn("purge iteration failed")
		}
		if processed {
			continue // at most one storage per iteration, then re-poll immediately
		}

		select {
		case <-ctx.Done():
			return nil
		case <-threadTrigger:
		case <-time.After(workerIdleSleep):
		}
	}
	return nil
}

// importOldSiblings scans the index file's directory for "*.oldNNN"
// siblings, imports each through RunUpgrades, and on success deletes
// the snapshot; on failure it is renamed to ".fail" so it is not
// retried every cycle.
func (w *Worker) importOldSiblings(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(w.h.path + ".old[0-9][0-9][0-9]")
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	imported := 0
	for _, oldPath := range matches {
		if err := w.importOneSibling(ctx, oldPath); err != nil {
			w.log.WithError(err).Warnf("failed importing old snapshot '%s'", oldPath)
			continue
		}
		imported++
	}
	return imported, nil
}

func (w *Worker) importOneSibling(ctx context.Context, oldPath string) error {
	// oldPath is opened as a raw db.DB, in place, rather than through
	// index.Open: index.Open's startup sequence would read its (stale)
	// version row and rename it to yet another .oldNNN sibling instead
	// of letting RunUpgrades migrate it where it sits.
	d, err := db.Open(oldPath, db.ModeReadWrite, db.DatabaseTimeout)
	if err != nil {
		renameToFail(oldPath)
		return fmt.Errorf("open %s: %w", oldPath, err)
	}
	oh := &Handle{db: d, path: oldPath, log: w.log}

	versionStr, err := oh.db.GetString(ctx, "SELECT value FROM meta WHERE name='version'")
	if err != nil {
		oh.Close()
		renameToFail(oldPath)
		return fmt.Errorf("read version of %s: %w", oldPath, err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		oh.Close()
		renameToFail(oldPath)
		return fmt.Errorf("parse version of %s: %w", oldPath, err)
	}

	if err := schema.RunUpgrades(ctx, oh.db, version); err != nil {
		oh.Close()
		renameToFail(oldPath)
		return fmt.Errorf("upgrade %s from version %d: %w", oldPath, version, err)
	}
	if err := w.importRows(ctx, oh); err != nil {
		oh.Close()
		renameToFail(oldPath)
		return fmt.Errorf("copy rows from %s: %w", oldPath, err)
	}

	oh.Close()
	return os.Remove(oldPath)
}

// importRows copies every uuid/entity/storage/entry row from the
// already-upgraded old handle into the worker's own handle, then
// recomputes aggregates for every storage and then every entity (uuids
// rows carry no aggregate columns). Destination rows
// get fresh auto-assigned ids (the destination index may already have
// rows occupying the source's old ids), so every foreign key that
// points at a table copied earlier in this function is translated
// through that table's old-id -> new-id map as it is copied.
func (w *Worker) importRows(ctx context.Context, oh *Handle) error {
	if _, err := copyTableRows(ctx, oh.db, w.h.db, "uuids", []string{"jobUUID"}, []string{"jobUUID"}, nil); err != nil {
		return err
	}
	entityIDMap, err := copyTableRows(ctx, oh.db, w.h.db, "entities",
		[]string{"jobUUID", "scheduleUUID", "hostName", "userName", "archiveType", "created", "lockedCount", "deletedFlag"},
		nil, nil)
	if err != nil {
		return err
	}
	if _, err := copyTableRows(ctx, oh.db, w.h.db, "storages",
		[]string{"entityId", "name", "userName", "comment", "created", "size", "state", "mode", "lastChecked", "errorMessage", "deletedFlag"},
		nil, map[string]map[int64]int64{"entityId": entityIDMap}); err != nil {
		return err
	}
	if _, err := copyTableRows(ctx, oh.db, w.h.db, "entries",
		[]string{"entityId", "type", "name", "timeLastAccess", "timeModified", "timeLastChanged", "userId", "groupId", "permission", "size"},
		[]string{"entityId", "type", "name"},
		map[string]map[int64]int64{"entityId": entityIDMap}); err != nil {
		return err
	}

	storageIDs, err := w.h.db.GetIDs(ctx, "SELECT id FROM storages")
	if err != nil {
		return err
	}
	for _, id := range storageIDs {
		if err := w.h.UpdateStorageAggregates(ctx, id); err != nil {
			return err
		}
	}
	entityIDs, err := w.h.db.GetIDs(ctx, "SELECT id FROM entities")
	if err != nil {
		return err
	}
	for _, id := range entityIDs {
		if err := w.h.UpdateEntityAggregates(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// copyTableRows is a forward-compatible row copier: every source
// column is assumed to also exist in the destination (the schema only
// ever grows monotonically, see index/schema/migrate.go), so a
// column-by-column SELECT/INSERT suffices once RunUpgrades has
// normalized the source version. The destination assigns its own ids
// on insert rather than reusing the source's, so copyTableRows returns
// the old-id -> new-id map this call produced; a later call passes that
// map in fk, keyed by the referencing column name, to translate a
// foreign key in place before insertion. uniqueColumns names the
// columns (if any) that a destination row already present is keyed on:
// when INSERT OR IGNORE skips a row because one of these already
// exists, copyTableRows looks up its id by that key instead of
// GetLastRowID.
func copyTableRows(ctx context.Context, src, dst *db.DB, table string, columns, uniqueColumns []string, fk map[string]map[int64]int64) (map[int64]int64, error) {
	selectCols := append([]string{"id"}, columns...)
	cur, err := src.Prepare(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectCols, ", "), table))
	if err != nil {
		return nil, err
	}
	defer src.Finalize(cur)

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s(%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	remap := make(map[int64]int64)
	for {
		for paused() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var oldID int64
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns)+1)
		ptrs[0] = &oldID
		for i := range vals {
			ptrs[i+1] = &vals[i]
		}
		if err := cur.Scan(ptrs...); err != nil {
			return nil, err
		}

		for i, c := range columns {
			m, ok := fk[c]
			if !ok {
				continue
			}
			if ref, ok := vals[i].(int64); ok {
				if newRef, ok := m[ref]; ok {
					vals[i] = newRef
				}
			}
		}

		changed, err := dst.Exec(ctx, insert, vals...)
		if err != nil {
			return nil, err
		}
		var newID int64
		if changed > 0 {
			if newID, err = dst.GetLastRowID(ctx); err != nil {
				return nil, err
			}
		} else {
			if newID, err = lookupRowID(ctx, dst, table, columns, vals, uniqueColumns); err != nil {
				return nil, err
			}
		}
		remap[oldID] = newID
	}
	return remap, nil
}

// lookupRowID resolves the destination id of a row INSERT OR IGNORE
// skipped because a uniqueColumns match already existed.
func lookupRowID(ctx context.Context, dst *db.DB, table string, columns []string, vals []any, uniqueColumns []string) (int64, error) {
	where := make([]string, len(uniqueColumns))
	args := make([]any, len(uniqueColumns))
	for i, uc := range uniqueColumns {
		for j, c := range columns {
			if c == uc {
				where[i] = c + "=?"
				args[i] = vals[j]
			}
		}
	}
	return dst.GetID(ctx, fmt.Sprintf("SELECT id FROM %s WHERE %s", table, strings.Join(where, " AND ")), args...)
}

// renameToFail renames a failed-import snapshot to "<path>.fail" so
// the worker does not retry it every cycle.
func renameToFail(path string) {
	os.Rename(path, path+".fail")
}

// initialCleanup runs once at startup.
func (w *Worker) initialCleanup(ctx context.Context) error {
	if err := w.purgeDuplicateMeta(ctx); err != nil {
		return fmt.Errorf("purge duplicate meta rows: %w", err)
	}
	if err := w.revertInterruptedUpdates(ctx); err != nil {
		return fmt.Errorf("revert interrupted updates: %w", err)
	}
	if err := w.deleteIncompleteCreations(ctx); err != nil {
		return fmt.Errorf("delete incomplete creations: %w", err)
	}
	if err := w.deleteUnnamedStorages(ctx); err != nil {
		return fmt.Errorf("delete unnamed storages: %w", err)
	}
	if err := w.attachOrphanStorages(ctx); err != nil {
		return fmt.Errorf("attach orphan storages: %w", err)
	}
	if err := w.pruneEmptyStorages(ctx); err != nil {
		return fmt.Errorf("prune empty storages: %w", err)
	}
	if err := w.pruneEntities(ctx); err != nil {
		return fmt.Errorf("prune empty entities: %w", err)
	}
	if err := w.pruneUUIDs(ctx); err != nil {
		return fmt.Errorf("prune empty uuids: %w", err)
	}
	return nil
}

// purgeDuplicateMeta keeps only the minimum rowid per meta.name.
func (w *Worker) purgeDuplicateMeta(ctx context.Context) error {
	_, err := w.h.db.Exec(ctx, `
		DELETE FROM meta WHERE rowid NOT IN (
			SELECT MIN(rowid) FROM meta GROUP BY name
		)`)
	return err
}

// revertInterruptedUpdates forces any storage stuck in UPDATE back to
// UPDATE_REQUESTED, logging one line per row.
func (w *Worker) revertInterruptedUpdates(ctx context.Context) error {
	ids, err := w.h.db.GetIDs(ctx, "SELECT id FROM storages WHERE state=?", int(StorageStateUpdate))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := w.h.db.Exec(ctx, "UPDATE storages SET state=? WHERE id=?", int(StorageStateUpdateRequested), id); err != nil {
			return err
		}
		w.log.Infof("Storage #%d: update requested (interrupted refresh)", id)
	}
	return nil
}

// deleteIncompleteCreations hard-deletes storages stuck in CREATE.
func (w *Worker) deleteIncompleteCreations(ctx context.Context) error {
	ids, err := w.h.db.GetIDs(ctx, "SELECT id FROM storages WHERE state=?", int(StorageStateCreate))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.purgeStorageChildren(ctx, id); err != nil {
			return err
		}
		if _, err := w.h.db.Exec(ctx, "DELETE FROM storages WHERE id=?", id); err != nil {
			return err
		}
	}
	return nil
}

// deleteUnnamedStorages removes storages whose name is still empty
// (names may be empty transiently, between creation and the first
// refresh).
func (w *Worker) deleteUnnamedStorages(ctx context.Context) error {
	ids, err := w.h.db.GetIDs(ctx, "SELECT id FROM storages WHERE name=''")
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.purgeStorageChildren(ctx, id); err != nil {
			return err
		}
		if _, err := w.h.db.Exec(ctx, "DELETE FROM storages WHERE id=?", id); err != nil {
			return err
		}
	}
	return nil
}

// attachOrphanStorages reattaches a storage whose entityId no longer
// points at a live entity to the entity owning the most recently
// created surviving storage whose name shares the orphan's non-digit
// skeleton (e.g. "backup-001.bar" and "backup-002.bar" both skeleton
// "backup-#.bar"). A dangling entityId means the owning entity row was
// hard-deleted out from under it, so the original jobUUID is gone with
// it; the naming convention across a job's storages is the only
// surviving correlation key.
func (w *Worker) attachOrphanStorages(ctx context.Context) error {
	cur, err := w.h.db.Prepare(ctx, `
		SELECT storages.id, storages.name FROM storages
		LEFT JOIN entities ON entities.id = storages.entityId
		WHERE entities.id IS NULL`)
	if err != nil {
		return err
	}
	var orphans []struct {
		id   int64
		name string
	}
	for {
		ok, err := cur.Next()
		if err != nil {
			w.h.db.Finalize(cur)
			return err
		}
		if !ok {
			break
		}
		var o struct {
			id   int64
			name string
		}
		if err := cur.Scan(&o.id, &o.name); err != nil {
			w.h.db.Finalize(cur)
			return err
		}
		orphans = append(orphans, o)
	}
	w.h.db.Finalize(cur)

	survivorCur, err := w.h.db.Prepare(ctx, `
		SELECT storages.entityId, storages.name FROM storages
		WHERE storages.entityId IN (SELECT id FROM entities)
		ORDER BY storages.created DESC`)
	if err != nil {
		return err
	}
	var survivors []struct {
		entityID int64
		skeleton string
	}
	for {
		ok, err := survivorCur.Next()
		if err != nil {
			w.h.db.Finalize(survivorCur)
			return err
		}
		if !ok {
			break
		}
		var s struct {
			entityID int64
			name     string
		}
		if err := survivorCur.Scan(&s.entityID, &s.name); err != nil {
			w.h.db.Finalize(survivorCur)
			return err
		}
		survivors = append(survivors, struct {
			entityID int64
			skeleton string
		}{s.entityID, digitSkeleton(s.name)})
	}
	w.h.db.Finalize(survivorCur)

	for _, o := range orphans {
		skeleton := digitSkeleton(o.name)
		var target int64
		found := false
		for _, s := range survivors {
			if s.skeleton == skeleton {
				target = s.entityID
				found = true
				break // survivors is ordered created DESC: first match is most recent
			}
		}
		if !found {
			continue // no sibling-named live storage for this orphan, leave it for pruning
		}
		if _, err := w.h.db.Exec(ctx, "UPDATE storages SET entityId=? WHERE id=?", target, o.id); err != nil {
			return err
		}
	}
	return nil
}

// digitSkeleton replaces every run of ASCII digits in name with a
// single placeholder, producing the "modulo digits" grouping key the
// orphan-attachment heuristic uses.
func digitSkeleton(name string) string {
	var b []byte
	inDigits := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= '0' && c <= '9' {
			if !inDigits {
				b = append(b, '#')
				inDigits = true
			}
			continue
		}
		inDigits = false
		b = append(b, c)
	}
	return string(b)
}

// pruneEmptyStorages deletes storages with no fragments and no
// directory/link/special entries.
func (w *Worker) pruneEmptyStorages(ctx context.Context) error {
	ids, err := w.h.db.GetIDs(ctx, `
		SELECT id FROM storages WHERE
			NOT EXISTS (SELECT 1 FROM entryFragments WHERE entryFragments.storageId = storages.id) AND
			NOT EXISTS (SELECT 1 FROM directoryEntries WHERE directoryEntries.storageId = storages.id) AND
			NOT EXISTS (SELECT 1 FROM linkEntries WHERE linkEntries.storageId = storages.id) AND
			NOT EXISTS (SELECT 1 FROM specialEntries WHERE specialEntries.storageId = storages.id)`)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := w.h.db.Exec(ctx, "DELETE FROM storages WHERE id=?", id); err != nil {
			return err
		}
	}
	return nil
}

// pruneEntities deletes entities with no storages, lockedCount==0, and
// not the default entity.
func (w *Worker) pruneEntities(ctx context.Context) error {
	ids, err := w.h.db.GetIDs(ctx, `
		SELECT id FROM entities WHERE
			id != ? AND lockedCount = 0 AND
			NOT EXISTS (SELECT 1 FROM storages WHERE storages.entityId = entities.id)`,
		schema.DefaultEntityID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := w.h.db.Exec(ctx, "DELETE FROM entities WHERE id=?", id); err != nil {
			return err
		}
	}
	return nil
}

// pruneUUIDs deletes uuids with no entities left.
func (w *Worker) pruneUUIDs(ctx context.Context) error {
	ids, err := w.h.db.GetIDs(ctx, `
		SELECT id FROM uuids WHERE
			NOT EXISTS (SELECT 1 FROM entities WHERE entities.jobUUID = uuids.jobUUID)`)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := w.h.db.Exec(ctx, "DELETE FROM uuids WHERE id=?", id); err != nil {
			return err
		}
	}
	return nil
}

// purgeOneDeletedStorage processes at most one storage with
// deletedFlag=1 AND state != UPDATE, the steady-state loop's unit of
// work. It returns whether a storage was found and processed.
func (w *Worker) purgeOneDeletedStorage(ctx context.Context) (bool, error) {
	if UseCount() > 0 { // a writer elsewhere is mid-operation; wait for the next iteration
		return false, nil
	}
	id, err := w.h.db.GetID(ctx, "SELECT id FROM storages WHERE deletedFlag=1 AND state != ? LIMIT 1", int(StorageStateUpdate))
	if err != nil {
		return false, nil // idxerrors.KindNotFound: nothing to purge this iteration
	}

	var name string
	name, _ = w.h.db.GetString(ctx, "SELECT name FROM storages WHERE id=?", id)

	if err := w.purgeStorageChildren(ctx, id); err != nil {
		return true, err
	}
	if err := w.purgeOrphanEntries(ctx); err != nil {
		return true, err
	}
	if _, err := w.h.db.Exec(ctx, "DELETE FROM storages WHERE id=?", id); err != nil {
		return true, err
	}
	if err := w.pruneEntities(ctx); err != nil {
		return true, err
	}

	if name == "" {
		w.log.Infof("Purged storage #%d, name: no entries", id)
	} else {
		w.log.Infof("Removed deleted storage #%d from index: '%s'", id, name)
	}
	return true, nil
}

// errPurgeBackedOff reports that purgeStorageChildren stopped before
// every child row of the storage was deleted.
var errPurgeBackedOff = fmt.Errorf("purge backed off: index in use or quit requested")

// purgeStorageChildren deletes entryFragments/directoryEntries/
// linkEntries/specialEntries for storageId, 64 rows at a time,
// rechecking use_count and the quit flag between batches. When either
// stops it early it returns errPurgeBackedOff, so the caller keeps the
// storage row.
func (w *Worker) purgeStorageChildren(ctx context.Context, storageID int64) error {
	for _, table := range []string{"entryFragments", "directoryEntries", "linkEntries", "specialEntries"} {
		for {
			if UseCount() > 0 || quitFlag.Load() {
				return errPurgeBackedOff // cooperative backoff: a later worker iteration resumes
			}
			changed, err := w.h.db.Exec(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE storageId=? LIMIT %d)", table, table, purgeBatchSize),
				storageID)
			if err != nil {
				return err
			}
			if changed == 0 {
				break
			}
		}
	}
	return nil
}

// purgeOrphanEntries hard-deletes entries rows left without any
// supporting type-specific row (the supporting row was just removed by
// purgeStorageChildren), plus their entriesNewest shadow, bypassing
// foreign keys for the duration.
func (w *Worker) purgeOrphanEntries(ctx context.Context) error {
	return w.h.withForeignKeysDisabled(ctx, func() error {
		for {
			if UseCount() > 0 || quitFlag.Load() {
				return nil
			}
			var orphanQuery = fmt.Sprintf(`
				SELECT id FROM entries WHERE
					(type IN (%d,%d,%d) AND NOT EXISTS (SELECT 1 FROM entryFragments WHERE entryFragments.entryId = entries.id)) OR
					(type = %d AND NOT EXISTS (SELECT 1 FROM directoryEntries WHERE directoryEntries.entryId = entries.id)) OR
					(type = %d AND NOT EXISTS (SELECT 1 FROM linkEntries WHERE linkEntries.entryId = entries.id)) OR
					(type = %d AND NOT EXISTS (SELECT 1 FROM specialEntries WHERE specialEntries.entryId = entries.id))
				LIMIT %d`,
				int(EntryTypeFile), int(EntryTypeImage), int(EntryTypeHardlink),
				int(EntryTypeDirectory), int(EntryTypeLink), int(EntryTypeSpecial), purgeBatchSize)
			ids, err := w.h.db.GetIDs(ctx, orphanQuery)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			for _, id := range ids {
				if _, err := w.h.db.Exec(ctx, "DELETE FROM entriesNewest WHERE entryId=?", id); err != nil {
					return err
				}
				if _, err := w.h.db.Exec(ctx, "DELETE FROM entries WHERE id=?", id); err != nil {
					return err
				}
			}
		}
	})
}
