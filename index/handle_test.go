package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cirrusbackup/barindex/index/query"
)

// TestEndToEndIngestAndList walks the new_uuid -> new_entity ->
// new_storage -> add_file -> update_storage_infos -> list_storages
// scenario against a real sqlite-backed handle.
func TestEndToEndIngestAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	h, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	now := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC).Unix()

	entityID, err := h.NewEntity(ctx, NewEntityParams{
		JobUUID:     "550e8400-e29b-41d4-a716-446655440000",
		HostName:    "backuphost",
		UserName:    "root",
		ArchiveType: ArchiveTypeFull,
		Created:     now,
	})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}

	storageID, err := h.NewStorage(ctx, NewStorageParams{
		EntityID: entityID,
		Name:     "backup-0001.bar",
		Created:  now,
		Size:     4096,
		State:    StorageStateCreate,
		Mode:     StorageModeAuto,
	})
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	times := Times{LastAccess: now, Modified: now, LastChanged: now}
	if err := h.AddFile(ctx, AddFileParams{
		EntityID:    entityID,
		StorageID:   storageID,
		Name:        "/etc/hosts",
		Size:        158,
		Times:       times,
		UserID:      0,
		GroupID:     0,
		Permission:  0o644,
		FragOffset:  0,
		FragSize:    158,
		Compression: CompressionNone,
	}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if err := h.UpdateStorageAggregates(ctx, storageID); err != nil {
		t.Fatalf("UpdateStorageAggregates: %v", err)
	}
	if err := h.SetState(ctx, storageID, StorageStateOK, now, nil); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	storages, err := h.ListStorages(ctx, query.ListParams{})
	if err != nil {
		t.Fatalf("ListStorages: %v", err)
	}
	if len(storages) != 1 {
		t.Fatalf("ListStorages returned %d rows, want 1", len(storages))
	}
	s := storages[0]
	if s.Name != "backup-0001.bar" {
		t.Fatalf("storage name = %q, want backup-0001.bar", s.Name)
	}
	if s.State != StorageStateOK {
		t.Fatalf("storage state = %v, want StorageStateOK", s.State)
	}
	if s.TotalFileCount != 1 || s.TotalFileSize != 158 {
		t.Fatalf("file aggregates = (%d, %d), want (1, 158)", s.TotalFileCount, s.TotalFileSize)
	}
	if s.TotalEntryCount != 1 || s.TotalEntrySize != 158 {
		t.Fatalf("entry aggregates = (%d, %d), want (1, 158)", s.TotalEntryCount, s.TotalEntrySize)
	}

	entries, err := h.ListEntries(ctx, query.ListParams{EntityIds: []int64{entityID}}, false)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "/etc/hosts" {
		t.Fatalf("ListEntries = %+v, want one entry named /etc/hosts", entries)
	}
}

// TestDeleteStorageIsPurgedByWorker exercises delete_storage followed
// by the cleanup worker purging the soft-deleted row, mirroring the
// delete_storage-then-purge scenario: deleting a storage hides it from
// ListStorages immediately, and a subsequent worker pass removes its
// row and children for good.
func TestDeleteStorageIsPurgedByWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	h, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	now := time.Now().Unix()

	entityID, err := h.NewEntity(ctx, NewEntityParams{
		JobUUID:     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		HostName:    "backuphost",
		ArchiveType: ArchiveTypeIncremental,
		Created:     now,
	})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	storageID, err := h.NewStorage(ctx, NewStorageParams{
		EntityID: entityID,
		Name:     "backup-0002.bar",
		Created:  now,
		State:    StorageStateOK,
	})
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	times := Times{LastAccess: now, Modified: now, LastChanged: now}
	if err := h.AddFile(ctx, AddFileParams{
		EntityID: entityID, StorageID: storageID, Name: "/var/log/syslog",
		Size: 2048, Times: times, FragSize: 2048,
	}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if err := h.DeleteStorage(ctx, storageID); err != nil {
		t.Fatalf("DeleteStorage: %v", err)
	}

	storages, err := h.ListStorages(ctx, query.ListParams{})
	if err != nil {
		t.Fatalf("ListStorages: %v", err)
	}
	if len(storages) != 0 {
		t.Fatalf("ListStorages after delete = %d rows, want 0", len(storages))
	}

	w := &Worker{h: h, log: h.log}
	processed, err := w.purgeOneDeletedStorage(ctx)
	if err != nil {
		t.Fatalf("purgeOneDeletedStorage: %v", err)
	}
	if !processed {
		t.Fatalf("purgeOneDeletedStorage did not find the deleted storage")
	}

	if exists, err := h.db.Exists(ctx, "SELECT 1 FROM storages WHERE id=?", storageID); err != nil {
		t.Fatalf("Exists: %v", err)
	} else if exists {
		t.Fatalf("storage row %d still present after purge", storageID)
	}
}
