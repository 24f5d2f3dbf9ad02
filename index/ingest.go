package index

import (
	"context"
	"fmt"
	"os"

	times "gopkg.in/djherbis/times.v1"

	idxerrors "github.com/cirrusbackup/barindex/index/errors"
)

// AddFileFromOS ingests a real file from the live filesystem, the path
// the backup engine takes when streaming a fresh scan into a new
// storage rather than replaying an already-decoded archive entry.
// Timestamps come from djherbis/times, which exposes ChangeTime on
// platforms where os.FileInfo cannot (BSD/Darwin ctime vs Linux birth
// time), matching the three POSIX timestamps entries.timeLastAccess/
// timeModified/timeLastChanged require.
func (h *Handle) AddFileFromOS(ctx context.Context, entityID, storageID int64, path string, uid, gid int64, perm uint32) error {
	info, err := os.Stat(path)
	if err != nil {
		return idxerrors.New(idxerrors.KindNotFound, "AddFileFromOS", err)
	}
	if info.IsDir() {
		return idxerrors.New(idxerrors.KindCorrupt, "AddFileFromOS", fmt.Errorf("%s is a directory", path))
	}
	ts, err := times.Stat(path)
	if err != nil {
		return idxerrors.New(idxerrors.KindDatabaseIO, "AddFileFromOS", err)
	}
	changed := ts.ModTime()
	if ts.HasChangeTime() {
		changed = ts.ChangeTime()
	}
	return h.AddFile(ctx, AddFileParams{
		EntityID:  entityID,
		StorageID: storageID,
		Name:      path,
		Size:      info.Size(),
		Times: Times{
			LastAccess:  ts.AccessTime().Unix(),
			Modified:    ts.ModTime().Unix(),
			LastChanged: changed.Unix(),
		},
		UserID:     uid,
		GroupID:    gid,
		Permission: perm,
		FragOffset: 0,
		FragSize:   info.Size(),
	})
}
