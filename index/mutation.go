package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	idxerrors "github.com/cirrusbackup/barindex/index/errors"
	"github.com/cirrusbackup/barindex/index/rpc"
	"github.com/cirrusbackup/barindex/index/schema"
)

// NewUUID finds or creates the uuids row for jobUUID, created on first
// entity for that job. It is idempotent: calling it again for the same
// jobUUID returns the existing row's id.
func (h *Handle) NewUUID(ctx context.Context, jobUUID string) (int64, error) {
	return withHandleResult(h, "NewUUID", func() (int64, error) {
		if h.IsSlave() {
			return h.forwardNewUUID(ctx, jobUUID)
		}
		if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO uuids(jobUUID) VALUES (?)", jobUUID); err != nil {
			return 0, err
		}
		return h.db.GetID(ctx, "SELECT id FROM uuids WHERE jobUUID=?", jobUUID)
	})
}

func (h *Handle) forwardNewUUID(ctx context.Context, jobUUID string) (int64, error) {
	reply, err := h.peer.Call(ctx, rpc.CmdNewUUID, map[string]string{"jobUUID": jobUUID})
	if err != nil {
		return 0, idxerrors.New(idxerrors.KindForwarded, "NewUUID", err)
	}
	var id int64
	fmt.Sscanf(reply["id"], "%d", &id)
	return id, nil
}

// NewEntityParams bundles entity-creation inputs.
type NewEntityParams struct {
	JobUUID      string
	ScheduleUUID string
	HostName     string
	UserName     string
	ArchiveType  ArchiveType
	Created      int64
	Locked       bool
}

// NewEntity creates a new entity row for an existing or newly-created
// uuid. A ScheduleUUID of "" is accepted; the caller is expected to
// supply one generated with uuid.NewString when the archiver's
// scheduler assigns one.
func (h *Handle) NewEntity(ctx context.Context, p NewEntityParams) (int64, error) {
	return withHandleResult(h, "NewEntity", func() (int64, error) {
		if h.IsSlave() {
			return h.forwardNewEntity(ctx, p)
		}
		if _, err := h.NewUUID(ctx, p.JobUUID); err != nil {
			return 0, err
		}
		locked := int64(0)
		if p.Locked {
			locked = 1
		}
		if _, err := h.db.Exec(ctx,
			`INSERT INTO entities(jobUUID, scheduleUUID, hostName, userName, archiveType, created, lockedCount)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.JobUUID, p.ScheduleUUID, p.HostName, p.UserName, int(p.ArchiveType), p.Created, locked); err != nil {
			return 0, err
		}
		return h.db.GetLastRowID(ctx)
	})
}

func (h *Handle) forwardNewEntity(ctx context.Context, p NewEntityParams) (int64, error) {
	reply, err := h.peer.Call(ctx, rpc.CmdNewEntity, map[string]string{
		"jobUUID": p.JobUUID, "scheduleUUID": p.ScheduleUUID,
		"hostName": p.HostName, "userName": p.UserName,
	})
	if err != nil {
		return 0, idxerrors.New(idxerrors.KindForwarded, "NewEntity", err)
	}
	var id int64
	fmt.Sscanf(reply["id"], "%d", &id)
	return id, nil
}

// NewStorageParams bundles storage-creation inputs.
type NewStorageParams struct {
	EntityID int64
	HostName string
	UserName string
	Name     string
	Created  int64
	Size     int64
	State    StorageState
	Mode     StorageMode
}

// NewStorage creates a new storage row under entity. Name may be
// empty transiently (rows with an empty name are pruned at startup by
// the cleanup worker).
func (h *Handle) NewStorage(ctx context.Context, p NewStorageParams) (int64, error) {
	return withHandleResult(h, "NewStorage", func() (int64, error) {
		if h.IsSlave() {
			return h.forwardNewStorage(ctx, p)
		}
		if _, err := h.db.Exec(ctx,
			`INSERT INTO storages(entityId, name, userName, created, size, state, mode)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.EntityID, p.Name, p.UserName, p.Created, p.Size, int(p.State), int(p.Mode)); err != nil {
			return 0, err
		}
		return h.db.GetLastRowID(ctx)
	})
}

func (h *Handle) forwardNewStorage(ctx context.Context, p NewStorageParams) (int64, error) {
	reply, err := h.peer.Call(ctx, rpc.CmdNewStorage, map[string]string{
		"entityId": fmt.Sprintf("%d", p.EntityID), "name": p.Name, "userName": p.UserName,
	})
	if err != nil {
		return 0, idxerrors.New(idxerrors.KindForwarded, "NewStorage", err)
	}
	var id int64
	fmt.Sscanf(reply["id"], "%d", &id)
	return id, nil
}

// SetState atomically updates a storage's state plus
// lastCheckedDateTime and errorMessage.
func (h *Handle) SetState(ctx context.Context, storageID int64, state StorageState, lastChecked int64, errMsg *string) error {
	return h.withHandle("SetState", func() error {
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdSetState, map[string]string{
				"storageId": fmt.Sprintf("%d", storageID), "state": fmt.Sprintf("%d", int(state)),
			})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "SetState", err)
			}
			return nil
		}
		msg := ""
		if errMsg != nil {
			msg = *errMsg
		}
		_, err := h.db.Exec(ctx, "UPDATE storages SET state=?, lastChecked=?, errorMessage=? WHERE id=?",
			int(state), lastChecked, msg, storageID)
		return err
	})
}

// AddFileParams bundles add_file inputs.
type AddFileParams struct {
	EntityID    int64
	StorageID   int64
	Name        string
	Size        int64
	Times       Times
	UserID      int64
	GroupID     int64
	Permission  uint32
	FragOffset  int64
	FragSize    int64
	Compression CompressionAlgorithm
}

// AddFile inserts-or-ignores an entries row (unique by entityId, type,
// name), inserts-or-ignores the fileEntries row, inserts an
// entryFragments row, and walks directory aggregates.
func (h *Handle) AddFile(ctx context.Context, p AddFileParams) error {
	return h.withHandle("AddFile", func() error {
		if err := validateCompression(p.Compression); err != nil {
			return idxerrors.New(idxerrors.KindCorrupt, "AddFile", err)
		}
		if h.IsSlave() {
			return h.forwardAddFile(ctx, p)
		}
		entryID, isNew, err := h.upsertEntry(ctx, p.EntityID, EntryTypeFile, p.Name, p.Times, p.UserID, p.GroupID, p.Permission, p.Size)
		if err != nil {
			return err
		}
		if isNew {
			if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO fileEntries(entryId, size) VALUES (?, ?)", entryID, p.Size); err != nil {
				return err
			}
		}
		if _, err := h.db.Exec(ctx, "INSERT INTO entryFragments(entryId, storageId, offset, size) VALUES (?, ?, ?, ?)",
			entryID, p.StorageID, p.FragOffset, p.FragSize); err != nil {
			return err
		}
		return h.addDirectoryAggregates(ctx, p.EntityID, p.StorageID, p.Name, p.FragSize)
	})
}

func (h *Handle) forwardAddFile(ctx context.Context, p AddFileParams) error {
	_, err := h.peer.Call(ctx, rpc.CmdAddFile, map[string]string{
		"storageId": fmt.Sprintf("%d", p.StorageID), "name": p.Name,
		"size": fmt.Sprintf("%d", p.Size),
	})
	if err != nil {
		return idxerrors.New(idxerrors.KindForwarded, "AddFile", err)
	}
	return nil
}

// AddImageParams bundles add_image inputs.
type AddImageParams struct {
	EntityID       int64
	StorageID      int64
	Name           string
	Size           int64
	FileSystemType int
	BlockSize      int64
	Times          Times
	UserID         int64
	GroupID        int64
	Permission     uint32
	FragOffset     int64
	FragSize       int64
	Compression    CompressionAlgorithm
}

// AddImage is AddFile's analogue for raw-device images, backed by
// imageEntries instead of fileEntries.
func (h *Handle) AddImage(ctx context.Context, p AddImageParams) error {
	return h.withHandle("AddImage", func() error {
		if err := validateCompression(p.Compression); err != nil {
			return idxerrors.New(idxerrors.KindCorrupt, "AddImage", err)
		}
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdAddImage, map[string]string{
				"storageId": fmt.Sprintf("%d", p.StorageID), "name": p.Name,
			})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "AddImage", err)
			}
			return nil
		}
		entryID, isNew, err := h.upsertEntry(ctx, p.EntityID, EntryTypeImage, p.Name, p.Times, p.UserID, p.GroupID, p.Permission, p.Size)
		if err != nil {
			return err
		}
		if isNew {
			if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO imageEntries(entryId, fileSystemType, size, blockSize) VALUES (?, ?, ?, ?)",
				entryID, p.FileSystemType, p.Size, p.BlockSize); err != nil {
				return err
			}
		}
		if _, err := h.db.Exec(ctx, "INSERT INTO entryFragments(entryId, storageId, offset, size) VALUES (?, ?, ?, ?)",
			entryID, p.StorageID, p.FragOffset, p.FragSize); err != nil {
			return err
		}
		return h.addDirectoryAggregates(ctx, p.EntityID, p.StorageID, p.Name, p.FragSize)
	})
}

// AddHardlinkParams bundles add_hardlink inputs.
type AddHardlinkParams struct {
	EntityID   int64
	StorageID  int64
	Name       string
	Size       int64
	Times      Times
	UserID     int64
	GroupID    int64
	Permission  uint32
	FragOffset  int64
	FragSize    int64
	Compression CompressionAlgorithm
}

// AddHardlink is AddFile's analogue for hardlinked entries, backed by
// hardlinkEntries.
func (h *Handle) AddHardlink(ctx context.Context, p AddHardlinkParams) error {
	return h.withHandle("AddHardlink", func() error {
		if err := validateCompression(p.Compression); err != nil {
			return idxerrors.New(idxerrors.KindCorrupt, "AddHardlink", err)
		}
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdAddHardlink, map[string]string{
				"storageId": fmt.Sprintf("%d", p.StorageID), "name": p.Name,
			})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "AddHardlink", err)
			}
			return nil
		}
		entryID, isNew, err := h.upsertEntry(ctx, p.EntityID, EntryTypeHardlink, p.Name, p.Times, p.UserID, p.GroupID, p.Permission, p.Size)
		if err != nil {
			return err
		}
		if isNew {
			if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO hardlinkEntries(entryId, size) VALUES (?, ?)", entryID, p.Size); err != nil {
				return err
			}
		}
		if _, err := h.db.Exec(ctx, "INSERT INTO entryFragments(entryId, storageId, offset, size) VALUES (?, ?, ?, ?)",
			entryID, p.StorageID, p.FragOffset, p.FragSize); err != nil {
			return err
		}
		return h.addDirectoryAggregates(ctx, p.EntityID, p.StorageID, p.Name, p.FragSize)
	})
}

// AddDirectoryParams bundles add_directory inputs.
type AddDirectoryParams struct {
	EntityID   int64
	StorageID  int64
	Name       string
	Times      Times
	UserID     int64
	GroupID    int64
	Permission uint32
}

// AddDirectory inserts an entries row plus a directoryEntries row
// directly (no fragments) and walks directory aggregates with size 0.
func (h *Handle) AddDirectory(ctx context.Context, p AddDirectoryParams) error {
	return h.withHandle("AddDirectory", func() error {
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdAddDirectory, map[string]string{
				"storageId": fmt.Sprintf("%d", p.StorageID), "name": p.Name,
			})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "AddDirectory", err)
			}
			return nil
		}
		entryID, isNew, err := h.upsertEntry(ctx, p.EntityID, EntryTypeDirectory, p.Name, p.Times, p.UserID, p.GroupID, p.Permission, 0)
		if err != nil {
			return err
		}
		if isNew {
			if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO directoryEntries(entryId, storageId, name) VALUES (?, ?, ?)",
				entryID, p.StorageID, p.Name); err != nil {
				return err
			}
		}
		return h.addDirectoryAggregates(ctx, p.EntityID, p.StorageID, p.Name, 0)
	})
}

// AddLinkParams bundles add_link inputs.
type AddLinkParams struct {
	EntityID        int64
	StorageID       int64
	Name            string
	DestinationName string
	Times           Times
	UserID          int64
	GroupID         int64
	Permission      uint32
}

// AddLink inserts an entries row plus a linkEntries row.
func (h *Handle) AddLink(ctx context.Context, p AddLinkParams) error {
	return h.withHandle("AddLink", func() error {
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdAddLink, map[string]string{
				"storageId": fmt.Sprintf("%d", p.StorageID), "name": p.Name,
			})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "AddLink", err)
			}
			return nil
		}
		entryID, isNew, err := h.upsertEntry(ctx, p.EntityID, EntryTypeLink, p.Name, p.Times, p.UserID, p.GroupID, p.Permission, 0)
		if err != nil {
			return err
		}
		if isNew {
			if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO linkEntries(entryId, storageId, destinationName) VALUES (?, ?, ?)",
				entryID, p.StorageID, p.DestinationName); err != nil {
				return err
			}
		}
		return h.addDirectoryAggregates(ctx, p.EntityID, p.StorageID, p.Name, 0)
	})
}

// AddSpecialParams bundles add_special inputs.
type AddSpecialParams struct {
	EntityID    int64
	StorageID   int64
	Name        string
	SpecialType int
	Major       int
	Minor       int
	Times       Times
	UserID      int64
	GroupID     int64
	Permission  uint32
}

// AddSpecial inserts an entries row plus a specialEntries row.
func (h *Handle) AddSpecial(ctx context.Context, p AddSpecialParams) error {
	return h.withHandle("AddSpecial", func() error {
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdAddSpecial, map[string]string{
				"storageId": fmt.Sprintf("%d", p.StorageID), "name": p.Name,
			})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "AddSpecial", err)
			}
			return nil
		}
		entryID, isNew, err := h.upsertEntry(ctx, p.EntityID, EntryTypeSpecial, p.Name, p.Times, p.UserID, p.GroupID, p.Permission, 0)
		if err != nil {
			return err
		}
		if isNew {
			if _, err := h.db.Exec(ctx, "INSERT OR IGNORE INTO specialEntries(entryId, storageId, specialType, major, minor) VALUES (?, ?, ?, ?, ?)",
				entryID, p.StorageID, p.SpecialType, p.Major, p.Minor); err != nil {
				return err
			}
		}
		return h.addDirectoryAggregates(ctx, p.EntityID, p.StorageID, p.Name, 0)
	})
}

// upsertEntry inserts-or-ignores an entries row unique by (entityId,
// type, name), returning its id and whether this call created it, then
// maintains the entriesNewest shadow table for the (entityId, name)
// pair.
func (h *Handle) upsertEntry(ctx context.Context, entityID int64, typ EntryType, name string, times Times, uid, gid int64, perm uint32, size int64) (id int64, isNew bool, err error) {
	changed, err := h.db.Exec(ctx,
		`INSERT OR IGNORE INTO entries(entityId, type, name, timeLastAccess, timeModified, timeLastChanged, userId, groupId, permission, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entityID, int(typ), name, times.LastAccess, times.Modified, times.LastChanged, uid, gid, perm, size)
	if err != nil {
		return 0, false, err
	}
	id, err = h.db.GetID(ctx, "SELECT id FROM entries WHERE entityId=? AND type=? AND name=?", entityID, int(typ), name)
	if err != nil {
		return 0, false, err
	}
	if changed > 0 {
		if _, err := h.db.Exec(ctx, "INSERT INTO entriesFTS(rowid, name) VALUES (?, ?)", id, name); err != nil {
			// best-effort: FTS indexing failure must not abort ingestion
		}
	}
	if err := h.refreshNewest(ctx, entityID, name, id); err != nil {
		return 0, false, err
	}
	return id, changed > 0, nil
}

// refreshNewest maintains entriesNewest: the entry with this
// (entityId, name) replaces whatever was previously "newest".
func (h *Handle) refreshNewest(ctx context.Context, entityID int64, name string, entryID int64) error {
	_, err := h.db.Exec(ctx,
		`INSERT INTO entriesNewest(entryId, entityId, name) VALUES (?, ?, ?)
		 ON CONFLICT(entityId, name) DO UPDATE SET entryId=excluded.entryId`,
		entryID, entityID, name)
	return err
}

// DeleteStorage soft-deletes storage id: sets deletedFlag=1 and signals
// the cleanup worker. The row is invisible to all list calls
// immediately but its children are purged asynchronously.
func (h *Handle) DeleteStorage(ctx context.Context, storageID int64) error {
	return h.withHandle("DeleteStorage", func() error {
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdStorageDelete, map[string]string{"storageId": fmt.Sprintf("%d", storageID)})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "DeleteStorage", err)
			}
			return nil
		}
		if _, err := h.db.Exec(ctx, "UPDATE storages SET deletedFlag=1 WHERE id=?", storageID); err != nil {
			return err
		}
		signalThreadTrigger()
		return nil
	})
}

// DeleteEntity soft-deletes entity id, refusing to touch the default
// entity (id 0).
func (h *Handle) DeleteEntity(ctx context.Context, entityID int64) error {
	return h.withHandle("DeleteEntity", func() error {
		if entityID == 0 {
			return idxerrors.New(idxerrors.KindNotFound, "DeleteEntity", fmt.Errorf("refusing to delete the default entity"))
		}
		if h.IsSlave() {
			_, err := h.peer.Call(ctx, rpc.CmdEntityDelete, map[string]string{"entityId": fmt.Sprintf("%d", entityID)})
			if err != nil {
				return idxerrors.New(idxerrors.KindForwarded, "DeleteEntity", err)
			}
			return nil
		}
		if _, err := h.db.Exec(ctx, "UPDATE entities SET deletedFlag=1 WHERE id=?", entityID); err != nil {
			return err
		}
		signalThreadTrigger()
		return nil
	})
}

// DeleteEntry hard-deletes entry id: with foreign keys disabled it
// removes the type-specific row, the entriesNewest shadow, and the
// entries row, then reasserts FK enforcement. The deletes run as
// separate statements, not inside one transaction.
func (h *Handle) DeleteEntry(ctx context.Context, entryID int64) error {
	return h.withHandle("DeleteEntry", func() error {
		return h.withForeignKeysDisabled(ctx, func() error {
			var typ int
			if err := func() error {
				v, err := h.db.GetID(ctx, "SELECT type FROM entries WHERE id=?", entryID)
				typ = int(v)
				return err
			}(); err != nil {
				return err
			}
			table := typeTable(EntryType(typ))
			if table != "" {
				if _, err := h.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE entryId=?", table), entryID); err != nil {
					return err
				}
			}
			if _, err := h.db.Exec(ctx, "DELETE FROM entriesNewest WHERE entryId=?", entryID); err != nil {
				return err
			}
			if _, err := h.db.Exec(ctx, "DELETE FROM entries WHERE id=?", entryID); err != nil {
				return err
			}
			return nil
		})
	})
}

func typeTable(t EntryType) string {
	switch t {
	case EntryTypeFile:
		return "fileEntries"
	case EntryTypeImage:
		return "imageEntries"
	case EntryTypeDirectory:
		return "directoryEntries"
	case EntryTypeLink:
		return "linkEntries"
	case EntryTypeHardlink:
		return "hardlinkEntries"
	case EntryTypeSpecial:
		return "specialEntries"
	default:
		return ""
	}
}

// withForeignKeysDisabled disables FK enforcement on entry and
// re-enables it on every exit path, including panics.
func (h *Handle) withForeignKeysDisabled(ctx context.Context, body func() error) (err error) {
	if err := h.db.SetEnabledForeignKeys(ctx, false); err != nil {
		return err
	}
	defer func() {
		if reenableErr := h.db.SetEnabledForeignKeys(ctx, true); reenableErr != nil && err == nil {
			err = reenableErr
		}
	}()
	return body()
}

// DeleteHistory and DeleteSkipped are the remaining hard deletes, for
// the auxiliary history/skippedEntries tables.
func (h *Handle) DeleteHistory(ctx context.Context, id int64) error {
	return h.withHandle("DeleteHistory", func() error {
		_, err := h.db.Exec(ctx, "DELETE FROM history WHERE id=?", id)
		return err
	})
}

func (h *Handle) DeleteSkipped(ctx context.Context, id int64) error {
	return h.withHandle("DeleteSkipped", func() error {
		_, err := h.db.Exec(ctx, "DELETE FROM skippedEntries WHERE id=?", id)
		return err
	})
}

// AssignStorageToEntity moves a storage between entities. After the
// move, the source entity is pruned if it is left empty and the
// aggregates of both the source and destination entities are
// recomputed.
func (h *Handle) AssignStorageToEntity(ctx context.Context, storageID, newEntityID int64) error {
	return h.withHandle("AssignStorageToEntity", func() error {
		oldEntityID, err := h.db.GetID(ctx, "SELECT entityId FROM storages WHERE id=?", storageID)
		if err != nil {
			return err
		}
		if _, err := h.db.Exec(ctx, "UPDATE storages SET entityId=? WHERE id=?", newEntityID, storageID); err != nil {
			return err
		}
		if err := h.pruneEntityIfEmpty(ctx, oldEntityID); err != nil {
			return err
		}
		if err := h.recomputeEntityAggregates(ctx, oldEntityID); err != nil {
			return err
		}
		return h.recomputeEntityAggregates(ctx, newEntityID)
	})
}

// AssignEntityToUUID moves an entity between jobUUIDs. After the move,
// the source uuid is pruned if it is left empty and the moved entity's
// aggregates are recomputed (unaffected by the move itself, but kept
// in lockstep with every other assign operation's post-conditions).
func (h *Handle) AssignEntityToUUID(ctx context.Context, entityID int64, newJobUUID string) error {
	return h.withHandle("AssignEntityToUUID", func() error {
		oldJobUUID, err := h.db.GetString(ctx, "SELECT jobUUID FROM entities WHERE id=?", entityID)
		if err != nil {
			return err
		}
		if _, err := h.NewUUID(ctx, newJobUUID); err != nil {
			return err
		}
		if _, err := h.db.Exec(ctx, "UPDATE entities SET jobUUID=? WHERE id=?", newJobUUID, entityID); err != nil {
			return err
		}
		if err := h.pruneUUIDIfEmpty(ctx, oldJobUUID); err != nil {
			return err
		}
		return h.recomputeEntityAggregates(ctx, entityID)
	})
}

// pruneEntityIfEmpty deletes entityID if it has no storages left,
// carries no locks, and is not the distinguished default entity.
func (h *Handle) pruneEntityIfEmpty(ctx context.Context, entityID int64) error {
	if entityID == schema.DefaultEntityID {
		return nil
	}
	hasStorages, err := h.db.Exists(ctx, "SELECT 1 FROM storages WHERE entityId=?", entityID)
	if err != nil {
		return err
	}
	if hasStorages {
		return nil
	}
	locked, err := h.db.GetInt64(ctx, "SELECT lockedCount FROM entities WHERE id=?", entityID)
	if err != nil {
		return err
	}
	if locked != 0 {
		return nil
	}
	_, err = h.db.Exec(ctx, "DELETE FROM entities WHERE id=?", entityID)
	return err
}

// pruneUUIDIfEmpty deletes the uuids row for jobUUID if no entity
// references it any longer.
func (h *Handle) pruneUUIDIfEmpty(ctx context.Context, jobUUID string) error {
	hasEntities, err := h.db.Exists(ctx, "SELECT 1 FROM entities WHERE jobUUID=?", jobUUID)
	if err != nil {
		return err
	}
	if hasEntities {
		return nil
	}
	_, err = h.db.Exec(ctx, "DELETE FROM uuids WHERE jobUUID=?", jobUUID)
	return err
}

// NewScheduleUUID generates a fresh schedule identifier using
// google/uuid, the form entities.scheduleUUID expects.
func NewScheduleUUID() string {
	return uuid.NewString()
}
