package index

import (
	"context"
	"fmt"
)

// UpdateStorageAggregates recomputes every totalX/totalXNewest column on
// storages for storageID from first principles (entries, entryFragments,
// entriesNewest). It is idempotent: calling it twice in a row leaves
// the row unchanged.
func (h *Handle) UpdateStorageAggregates(ctx context.Context, storageID int64) error {
	return h.withHandle("UpdateStorageAggregates", func() error {
		return h.recomputeStorageAggregates(ctx, storageID)
	})
}

// UpdateEntityAggregates recomputes entity entityID's totals as the
// sum of its non-deleted storages' totals.
func (h *Handle) UpdateEntityAggregates(ctx context.Context, entityID int64) error {
	return h.withHandle("UpdateEntityAggregates", func() error {
		return h.recomputeEntityAggregates(ctx, entityID)
	})
}

// storageCounts holds one pass (all-time or newest-only) of a storage's
// per-type counts and sizes.
type storageCounts struct {
	fileCount, fileSize         int64
	imageCount, imageSize       int64
	dirCount                    int64
	linkCount                   int64
	hardlinkCount, hardlinkSize int64
	specialCount                int64
}

func (c storageCounts) entryCount() int64 {
	return c.fileCount + c.imageCount + c.dirCount + c.linkCount + c.hardlinkCount + c.specialCount
}

func (c storageCounts) entrySize() int64 {
	return c.fileSize + c.imageSize + c.hardlinkSize
}

func (h *Handle) recomputeStorageAggregates(ctx context.Context, storageID int64) error {
	all, err := h.sumStorageCounts(ctx, storageID, false)
	if err != nil {
		return err
	}
	newest, err := h.sumStorageCounts(ctx, storageID, true)
	if err != nil {
		return err
	}
	_, err = h.db.Exec(ctx, `
		UPDATE storages SET
			totalEntryCount=?, totalEntrySize=?,
			totalFileCount=?, totalFileSize=?,
			totalImageCount=?, totalImageSize=?,
			totalDirectoryCount=?, totalLinkCount=?,
			totalHardlinkCount=?, totalHardlinkSize=?,
			totalSpecialCount=?,
			totalEntryCountNewest=?, totalEntrySizeNewest=?,
			totalFileCountNewest=?, totalFileSizeNewest=?,
			totalImageCountNewest=?, totalImageSizeNewest=?,
			totalDirectoryCountNewest=?, totalLinkCountNewest=?,
			totalHardlinkCountNewest=?, totalHardlinkSizeNewest=?,
			totalSpecialCountNewest=?
		WHERE id=?`,
		all.entryCount(), all.entrySize(),
		all.fileCount, all.fileSize,
		all.imageCount, all.imageSize,
		all.dirCount, all.linkCount,
		all.hardlinkCount, all.hardlinkSize,
		all.specialCount,
		newest.entryCount(), newest.entrySize(),
		newest.fileCount, newest.fileSize,
		newest.imageCount, newest.imageSize,
		newest.dirCount, newest.linkCount,
		newest.hardlinkCount, newest.hardlinkSize,
		newest.specialCount,
		storageID)
	return err
}

// sumStorageCounts computes one storageCounts pass. newestOnly restricts
// every query to entries that are still the newest row for their
// (entityId, name) pair, matching entriesNewest's definition.
func (h *Handle) sumStorageCounts(ctx context.Context, storageID int64, newestOnly bool) (storageCounts, error) {
	var c storageCounts
	var err error

	if c.fileCount, c.fileSize, err = h.countSumByFragments(ctx, storageID, int(EntryTypeFile), newestOnly); err != nil {
		return c, err
	}
	if c.imageCount, c.imageSize, err = h.countSumByFragments(ctx, storageID, int(EntryTypeImage), newestOnly); err != nil {
		return c, err
	}
	if c.hardlinkCount, c.hardlinkSize, err = h.countSumByFragments(ctx, storageID, int(EntryTypeHardlink), newestOnly); err != nil {
		return c, err
	}
	if c.dirCount, err = h.countByOwnTable(ctx, "directoryEntries", storageID, newestOnly); err != nil {
		return c, err
	}
	if c.linkCount, err = h.countByOwnTable(ctx, "linkEntries", storageID, newestOnly); err != nil {
		return c, err
	}
	if c.specialCount, err = h.countByOwnTable(ctx, "specialEntries", storageID, newestOnly); err != nil {
		return c, err
	}
	return c, nil
}

// countSumByFragments counts distinct entries of typ that have at least
// one fragment in storageID, and sums their entries.size (once per
// entry, not once per fragment).
func (h *Handle) countSumByFragments(ctx context.Context, storageID int64, typ int, newestOnly bool) (count, size int64, err error) {
	newestJoin := ""
	if newestOnly {
		newestJoin = "JOIN entriesNewest ON entriesNewest.entryId = entries.id"
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM (
			SELECT DISTINCT entries.id AS id, entries.size AS size
			FROM entries
			JOIN entryFragments ON entryFragments.entryId = entries.id
			%s
			WHERE entryFragments.storageId = %d AND entries.type = %d
		)`, newestJoin, storageID, typ)
	cur, err := h.db.Prepare(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	defer h.db.Finalize(cur)
	ok, err := cur.Next()
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, nil
	}
	if err := cur.Scan(&count, &size); err != nil {
		return 0, 0, err
	}
	return count, size, nil
}

// countByOwnTable counts rows of table (directoryEntries/linkEntries/
// specialEntries) for storageID; these entry types carry no size.
func (h *Handle) countByOwnTable(ctx context.Context, table string, storageID int64, newestOnly bool) (int64, error) {
	newestJoin := ""
	if newestOnly {
		newestJoin = fmt.Sprintf("JOIN entriesNewest ON entriesNewest.entryId = %s.entryId", table)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s WHERE %s.storageId = %d`, table, newestJoin, table, storageID)
	return h.db.GetInt64(ctx, query)
}

func (h *Handle) recomputeEntityAggregates(ctx context.Context, entityID int64) error {
	row, err := h.db.Prepare(ctx, `
		SELECT
			COALESCE(SUM(totalEntryCount),0), COALESCE(SUM(totalEntrySize),0),
			COALESCE(SUM(totalFileCount),0), COALESCE(SUM(totalFileSize),0),
			COALESCE(SUM(totalImageCount),0), COALESCE(SUM(totalImageSize),0),
			COALESCE(SUM(totalDirectoryCount),0), COALESCE(SUM(totalLinkCount),0),
			COALESCE(SUM(totalHardlinkCount),0), COALESCE(SUM(totalHardlinkSize),0),
			COALESCE(SUM(totalSpecialCount),0),
			COALESCE(SUM(totalEntryCountNewest),0), COALESCE(SUM(totalEntrySizeNewest),0),
			COALESCE(SUM(totalFileCountNewest),0), COALESCE(SUM(totalFileSizeNewest),0),
			COALESCE(SUM(totalImageCountNewest),0), COALESCE(SUM(totalImageSizeNewest),0),
			COALESCE(SUM(totalDirectoryCountNewest),0), COALESCE(SUM(totalLinkCountNewest),0),
			COALESCE(SUM(totalHardlinkCountNewest),0), COALESCE(SUM(totalHardlinkSizeNewest),0),
			COALESCE(SUM(totalSpecialCountNewest),0)
		FROM storages WHERE entityId = ? AND deletedFlag = 0`, entityID)
	if err != nil {
		return err
	}
	defer h.db.Finalize(row)
	ok, err := row.Next()
	if err != nil {
		return err
	}
	var v [22]int64
	if ok {
		dest := make([]any, len(v))
		for i := range v {
			dest[i] = &v[i]
		}
		if err := row.Scan(dest...); err != nil {
			return err
		}
	}
	_, err = h.db.Exec(ctx, `
		UPDATE entities SET
			totalEntryCount=?, totalEntrySize=?,
			totalFileCount=?, totalFileSize=?,
			totalImageCount=?, totalImageSize=?,
			totalDirectoryCount=?, totalLinkCount=?,
			totalHardlinkCount=?, totalHardlinkSize=?,
			totalSpecialCount=?,
			totalEntryCountNewest=?, totalEntrySizeNewest=?,
			totalFileCountNewest=?, totalFileSizeNewest=?,
			totalImageCountNewest=?, totalImageSizeNewest=?,
			totalDirectoryCountNewest=?, totalLinkCountNewest=?,
			totalHardlinkCountNewest=?, totalHardlinkSizeNewest=?,
			totalSpecialCountNewest=?
		WHERE id=?`,
		v[0], v[1], v[2], v[3], v[4], v[5], v[6], v[7], v[8], v[9], v[10],
		v[11], v[12], v[13], v[14], v[15], v[16], v[17], v[18], v[19], v[20], v[21],
		entityID)
	return err
}

// addDirectoryAggregates walks name's ancestor directories within
// storageID and increments their directoryEntries totals incrementally
// rather than by full recompute, then refreshes the owning storage and
// entity totals. A missing ancestor directoryEntries row (the common
// case for archivers that stream entries before their parent
// directory) is silently skipped: the aggregate simply starts once the
// directory itself is added.
func (h *Handle) addDirectoryAggregates(ctx context.Context, entityID, storageID int64, name string, size int64) error {
	for _, dir := range ancestorDirs(name) {
		if _, err := h.db.Exec(ctx,
			`UPDATE directoryEntries SET totalEntryCount=totalEntryCount+1, totalEntrySize=totalEntrySize+?,
			 totalEntryCountNewest=totalEntryCountNewest+1, totalEntrySizeNewest=totalEntrySizeNewest+?
			 WHERE storageId=? AND name=?`,
			size, size, storageID, dir); err != nil {
			return err
		}
	}
	if err := h.recomputeStorageAggregates(ctx, storageID); err != nil {
		return err
	}
	return h.recomputeEntityAggregates(ctx, entityID)
}

// ancestorDirs splits a '/'-separated path into its proper ancestor
// directories, innermost first, excluding the path itself and the root.
func ancestorDirs(name string) []string {
	var dirs []string
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			dir := name[:i]
			if dir == "" {
				continue
			}
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
