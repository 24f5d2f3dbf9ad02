package index

import (
	"context"
	"fmt"

	"github.com/cirrusbackup/barindex/index/query"
)

// Set-filter universes: the number of distinct values query.AppendSet
// must scan over for each enum column, one past the highest iota value
// in types.go.
const (
	archiveTypeUniverse  = int(ArchiveTypeContinuousName) + 1
	storageStateUniverse = int(StorageStateError) + 1
	storageModeUniverse  = int(StorageModeAuto) + 1
	entryTypeUniverse    = int(EntryTypeSpecial) + 1
)

// ListUUIDs returns every uuids row matching params.
func (h *Handle) ListUUIDs(ctx context.Context, params query.ListParams) ([]UUID, error) {
	return withHandleResult(h, "ListUUIDs", func() ([]UUID, error) {
		f := query.NewFilter().In("id", params.UUIDIds)
		where, args := f.SQL()
		order := query.AppendOrdering("jobUUID", params.Direction)
		sql := fmt.Sprintf("SELECT id, jobUUID FROM uuids WHERE %s %s %s", where, order, query.LimitClause(params))

		cur, err := h.db.Prepare(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer h.db.Finalize(cur)

		var out []UUID
		for {
			ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			var u UUID
			if err := cur.Scan(&u.ID, &u.JobUUID); err != nil {
				return nil, err
			}
			out = append(out, u)
		}
		return out, nil
	})
}

// ListEntities returns every entities row matching params, optionally
// restricted to params.ArchiveTypes. deletedFlag=1 rows are always
// excluded. A slave handle pessimistically reports no rows, since it
// cannot introspect remote state cheaply.
func (h *Handle) ListEntities(ctx context.Context, params query.ListParams) ([]Entity, error) {
	return withHandleResult(h, "ListEntities", func() ([]Entity, error) {
		if h.IsSlave() {
			return nil, nil
		}
		f := query.NewFilter().
			Append(true, "AND", "deletedFlag = 0").
			In("id", params.EntityIds).
			AppendSet("archiveType", uint32(params.ArchiveTypes), archiveTypeUniverse)
		where, args := f.SQL()
		col := params.Sort.ColumnName()
		if col == "" {
			col = "created"
		}
		order := query.AppendOrdering(col, params.Direction)
		sql := fmt.Sprintf(`SELECT id, jobUUID, scheduleUUID, hostName, userName, archiveType, created,
			lockedCount, deletedFlag,
			totalEntryCount, totalEntrySize, totalFileCount, totalFileSize, totalImageCount, totalImageSize,
			totalDirectoryCount, totalLinkCount, totalHardlinkCount, totalHardlinkSize, totalSpecialCount,
			totalEntryCountNewest, totalEntrySizeNewest, totalFileCountNewest, totalFileSizeNewest,
			totalImageCountNewest, totalImageSizeNewest, totalDirectoryCountNewest, totalLinkCountNewest,
			totalHardlinkCountNewest, totalHardlinkSizeNewest, totalSpecialCountNewest
			FROM entities WHERE %s %s %s`, where, order, query.LimitClause(params))

		cur, err := h.db.Prepare(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer h.db.Finalize(cur)

		var out []Entity
		for {
			ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			var e Entity
			var archiveType int
			var deleted int
			if err := cur.Scan(&e.ID, &e.JobUUID, &e.ScheduleUUID, &e.HostName, &e.UserName, &archiveType, &e.Created,
				&e.LockedCount, &deleted,
				&e.TotalEntryCount, &e.TotalEntrySize, &e.TotalFileCount, &e.TotalFileSize, &e.TotalImageCount, &e.TotalImageSize,
				&e.TotalDirectoryCount, &e.TotalLinkCount, &e.TotalHardlinkCount, &e.TotalHardlinkSize, &e.TotalSpecialCount,
				&e.TotalEntryCountNewest, &e.TotalEntrySizeNewest, &e.TotalFileCountNewest, &e.TotalFileSizeNewest,
				&e.TotalImageCountNewest, &e.TotalImageSizeNewest, &e.TotalDirectoryCountNewest, &e.TotalLinkCountNewest,
				&e.TotalHardlinkCountNewest, &e.TotalHardlinkSizeNewest, &e.TotalSpecialCountNewest); err != nil {
				return nil, err
			}
			e.ArchiveType = ArchiveType(archiveType)
			e.DeletedFlag = deleted != 0
			out = append(out, e)
		}
		return out, nil
	})
}

// ListStorages returns every storages row matching params, optionally
// restricted to params.StateSet/params.ModeSet, excluding soft-deleted
// rows.
func (h *Handle) ListStorages(ctx context.Context, params query.ListParams) ([]Storage, error) {
	return withHandleResult(h, "ListStorages", func() ([]Storage, error) {
		if h.IsSlave() {
			return nil, nil
		}
		f := query.NewFilter().
			Append(true, "AND", "deletedFlag = 0").
			In("entityId", params.EntityIds).
			In("id", params.StorageIds).
			AppendSet("state", uint32(params.StateSet), storageStateUniverse).
			AppendSet("mode", uint32(params.ModeSet), storageModeUniverse)
		where, args := f.SQL()
		col := params.Sort.ColumnName()
		if col == "" {
			col = "created"
		}
		order := query.AppendOrdering(col, params.Direction)
		sql := fmt.Sprintf(`SELECT id, entityId, name, userName, comment, created, size, state, mode,
			lastChecked, errorMessage, deletedFlag,
			totalEntryCount, totalEntrySize, totalFileCount, totalFileSize, totalImageCount, totalImageSize,
			totalDirectoryCount, totalLinkCount, totalHardlinkCount, totalHardlinkSize, totalSpecialCount,
			totalEntryCountNewest, totalEntrySizeNewest, totalFileCountNewest, totalFileSizeNewest,
			totalImageCountNewest, totalImageSizeNewest, totalDirectoryCountNewest, totalLinkCountNewest,
			totalHardlinkCountNewest, totalHardlinkSizeNewest, totalSpecialCountNewest
			FROM storages WHERE %s %s %s`, where, order, query.LimitClause(params))

		cur, err := h.db.Prepare(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer h.db.Finalize(cur)

		var out []Storage
		for {
			ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			var s Storage
			var state, mode, deleted int
			if err := cur.Scan(&s.ID, &s.EntityID, &s.Name, &s.UserName, &s.Comment, &s.Created, &s.Size, &state, &mode,
				&s.LastChecked, &s.ErrorMessage, &deleted,
				&s.TotalEntryCount, &s.TotalEntrySize, &s.TotalFileCount, &s.TotalFileSize, &s.TotalImageCount, &s.TotalImageSize,
				&s.TotalDirectoryCount, &s.TotalLinkCount, &s.TotalHardlinkCount, &s.TotalHardlinkSize, &s.TotalSpecialCount,
				&s.TotalEntryCountNewest, &s.TotalEntrySizeNewest, &s.TotalFileCountNewest, &s.TotalFileSizeNewest,
				&s.TotalImageCountNewest, &s.TotalImageSizeNewest, &s.TotalDirectoryCountNewest, &s.TotalLinkCountNewest,
				&s.TotalHardlinkCountNewest, &s.TotalHardlinkSizeNewest, &s.TotalSpecialCountNewest); err != nil {
				return nil, err
			}
			s.State = StorageState(state)
			s.Mode = StorageMode(mode)
			s.DeletedFlag = deleted != 0
			out = append(out, s)
		}
		return out, nil
	})
}

// ListEntries returns entries matching params, optionally restricted to
// a full-text pattern over the name column, params.TypeSet, newest-only.
func (h *Handle) ListEntries(ctx context.Context, params query.ListParams, newestOnly bool) ([]Entry, error) {
	return withHandleResult(h, "ListEntries", func() ([]Entry, error) {
		f := query.NewFilter().
			In("entries.entityId", params.EntityIds).
			AppendSet("entries.type", uint32(params.TypeSet), entryTypeUniverse)
		where, args := f.SQL()

		from := "entries"
		if newestOnly {
			from = "entries JOIN entriesNewest ON entriesNewest.entryId = entries.id"
		}
		join := ""
		if params.Pattern != "" {
			pattern := query.NormalizeFTSPattern(params.Pattern)
			join = "JOIN entriesFTS ON entriesFTS.rowid = entries.id"
			where = where + " AND (entriesFTS MATCH ?)"
			args = append(args, pattern)
		}

		col := params.Sort.ColumnName()
		if col == "" {
			col = "entries.name"
		}
		order := query.AppendOrdering(col, params.Direction)
		sql := fmt.Sprintf(`SELECT entries.id, entries.entityId, entries.type, entries.name,
			entries.timeLastAccess, entries.timeModified, entries.timeLastChanged,
			entries.userId, entries.groupId, entries.permission, entries.size
			FROM %s %s WHERE %s %s %s`, from, join, where, order, query.LimitClause(params))

		cur, err := h.db.Prepare(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer h.db.Finalize(cur)

		var out []Entry
		for {
			ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			var e Entry
			var typ int
			if err := cur.Scan(&e.ID, &e.EntityID, &typ, &e.Name, &e.TimeLastAccess, &e.TimeModified, &e.TimeLastChanged,
				&e.UserID, &e.GroupID, &e.Permission, &e.Size); err != nil {
				return nil, err
			}
			e.Type = EntryType(typ)
			out = append(out, e)
		}
		return out, nil
	})
}

// ListFragments returns every entryFragments row for entryID, ordered
// by offset, reconstructing the union of byte ranges an entry occupies
// across its fragments.
func (h *Handle) ListFragments(ctx context.Context, entryID int64) ([]Fragment, error) {
	return withHandleResult(h, "ListFragments", func() ([]Fragment, error) {
		cur, err := h.db.Prepare(ctx,
			"SELECT id, entryId, storageId, offset, size FROM entryFragments WHERE entryId=? ORDER BY offset ASC", entryID)
		if err != nil {
			return nil, err
		}
		defer h.db.Finalize(cur)

		var out []Fragment
		for {
			ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			var f Fragment
			if err := cur.Scan(&f.ID, &f.EntryID, &f.StorageID, &f.Offset, &f.Size); err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil
	})
}
