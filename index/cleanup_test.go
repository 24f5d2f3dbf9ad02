package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cirrusbackup/barindex/index/query"
)

// TestRevertInterruptedUpdatesRestoresUpdateRequested exercises spec.md
// scenario S2: a storage left in state UPDATE (an interrupted refresh)
// is reverted to UPDATE_REQUESTED by the worker's initial cleanup pass,
// as if the process had restarted mid-update.
func TestRevertInterruptedUpdatesRestoresUpdateRequested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	h, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	now := time.Now().Unix()

	entityID, err := h.NewEntity(ctx, NewEntityParams{
		JobUUID:     "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		HostName:    "backuphost",
		ArchiveType: ArchiveTypeFull,
		Created:     now,
	})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	storageID, err := h.NewStorage(ctx, NewStorageParams{
		EntityID: entityID,
		Name:     "backup-0003.bar",
		Created:  now,
		State:    StorageStateOK,
	})
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	if err := h.SetState(ctx, storageID, StorageStateUpdateRequested, now, nil); err != nil {
		t.Fatalf("SetState(UPDATE_REQUESTED): %v", err)
	}
	if err := h.SetState(ctx, storageID, StorageStateUpdate, now, nil); err != nil {
		t.Fatalf("SetState(UPDATE): %v", err)
	}

	// Simulate a restart: a fresh worker opens its own handle and runs
	// the revert-interrupted-updates step of initial cleanup.
	w := &Worker{h: h, log: h.log}
	if err := w.revertInterruptedUpdates(ctx); err != nil {
		t.Fatalf("revertInterruptedUpdates: %v", err)
	}

	storages, err := h.ListStorages(ctx, query.ListParams{})
	if err != nil {
		t.Fatalf("ListStorages: %v", err)
	}
	if len(storages) != 1 {
		t.Fatalf("ListStorages = %d rows, want 1", len(storages))
	}
	if storages[0].State != StorageStateUpdateRequested {
		t.Fatalf("storage state = %v, want StorageStateUpdateRequested", storages[0].State)
	}
}

func TestDigitSkeleton(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"trailing digits", "backup-001.bar", "backup-#.bar"},
		{"matching trailing digits", "backup-002.bar", "backup-#.bar"},
		{"no digits", "readme.txt", "readme.txt"},
		{"multiple digit runs", "vol1-part02.bar", "vol#-part#.bar"},
		{"only digits", "12345", "#"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := digitSkeleton(tc.in); got != tc.want {
				t.Fatalf("digitSkeleton(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDigitSkeletonGroupsSiblingNames(t *testing.T) {
	a := digitSkeleton("backup-001.bar")
	b := digitSkeleton("backup-002.bar")
	if a != b {
		t.Fatalf("expected sibling storage names to share a skeleton: %q != %q", a, b)
	}
}
