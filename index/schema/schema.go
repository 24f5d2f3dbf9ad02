// Package schema holds the index database's DDL text for the current
// schema version and the per-version upgrade scripts. The current
// version is fixed at 7 and is what a newly created index carries in
// its meta('version') row; older index files carry a lower number.
package schema

// CurrentVersion is the schema version this build creates and upgrades
// to. It MUST be written into meta(name='version') on CREATE.
const CurrentVersion = 7

// CreateTables is the literal DDL for a freshly created index at
// CurrentVersion.
const CreateTables = `
CREATE TABLE IF NOT EXISTS meta(
  name  TEXT UNIQUE NOT NULL,
  value TEXT
);

CREATE TABLE IF NOT EXISTS uuids(
  id       INTEGER PRIMARY KEY,
  jobUUID  TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS entities(
  id                       INTEGER PRIMARY KEY,
  jobUUID                  TEXT NOT NULL,
  scheduleUUID             TEXT NOT NULL DEFAULT '',
  hostName                 TEXT NOT NULL DEFAULT '',
  userName                 TEXT NOT NULL DEFAULT '',
  archiveType              INTEGER NOT NULL DEFAULT 0,
  created                  INTEGER NOT NULL DEFAULT 0,
  lockedCount              INTEGER NOT NULL DEFAULT 0,
  deletedFlag              INTEGER NOT NULL DEFAULT 0,
  totalEntryCount          INTEGER NOT NULL DEFAULT 0,
  totalEntrySize           INTEGER NOT NULL DEFAULT 0,
  totalFileCount           INTEGER NOT NULL DEFAULT 0,
  totalFileSize            INTEGER NOT NULL DEFAULT 0,
  totalImageCount          INTEGER NOT NULL DEFAULT 0,
  totalImageSize           INTEGER NOT NULL DEFAULT 0,
  totalDirectoryCount      INTEGER NOT NULL DEFAULT 0,
  totalLinkCount           INTEGER NOT NULL DEFAULT 0,
  totalHardlinkCount       INTEGER NOT NULL DEFAULT 0,
  totalHardlinkSize        INTEGER NOT NULL DEFAULT 0,
  totalSpecialCount        INTEGER NOT NULL DEFAULT 0,
  totalEntryCountNewest    INTEGER NOT NULL DEFAULT 0,
  totalEntrySizeNewest     INTEGER NOT NULL DEFAULT 0,
  totalFileCountNewest     INTEGER NOT NULL DEFAULT 0,
  totalFileSizeNewest      INTEGER NOT NULL DEFAULT 0,
  totalImageCountNewest    INTEGER NOT NULL DEFAULT 0,
  totalImageSizeNewest     INTEGER NOT NULL DEFAULT 0,
  totalDirectoryCountNewest INTEGER NOT NULL DEFAULT 0,
  totalLinkCountNewest     INTEGER NOT NULL DEFAULT 0,
  totalHardlinkCountNewest INTEGER NOT NULL DEFAULT 0,
  totalHardlinkSizeNewest  INTEGER NOT NULL DEFAULT 0,
  totalSpecialCountNewest  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS entitiesJobUUIDIndex ON entities(jobUUID);

CREATE TABLE IF NOT EXISTS storages(
  id              INTEGER PRIMARY KEY,
  entityId        INTEGER NOT NULL REFERENCES entities(id),
  name            TEXT NOT NULL DEFAULT '',
  userName        TEXT NOT NULL DEFAULT '',
  comment         TEXT NOT NULL DEFAULT '',
  created         INTEGER NOT NULL DEFAULT 0,
  size            INTEGER NOT NULL DEFAULT 0,
  state           INTEGER NOT NULL DEFAULT 0,
  mode            INTEGER NOT NULL DEFAULT 0,
  lastChecked     INTEGER NOT NULL DEFAULT 0,
  errorMessage    TEXT NOT NULL DEFAULT '',
  deletedFlag     INTEGER NOT NULL DEFAULT 0,
  totalEntryCount INTEGER NOT NULL DEFAULT 0,
  totalEntrySize  INTEGER NOT NULL DEFAULT 0,
  totalFileCount  INTEGER NOT NULL DEFAULT 0,
  totalFileSize   INTEGER NOT NULL DEFAULT 0,
  totalImageCount INTEGER NOT NULL DEFAULT 0,
  totalImageSize  INTEGER NOT NULL DEFAULT 0,
  totalDirectoryCount INTEGER NOT NULL DEFAULT 0,
  totalLinkCount  INTEGER NOT NULL DEFAULT 0,
  totalHardlinkCount INTEGER NOT NULL DEFAULT 0,
  totalHardlinkSize  INTEGER NOT NULL DEFAULT 0,
  totalSpecialCount  INTEGER NOT NULL DEFAULT 0,
  totalEntryCountNewest INTEGER NOT NULL DEFAULT 0,
  totalEntrySizeNewest  INTEGER NOT NULL DEFAULT 0,
  totalFileCountNewest  INTEGER NOT NULL DEFAULT 0,
  totalFileSizeNewest   INTEGER NOT NULL DEFAULT 0,
  totalImageCountNewest INTEGER NOT NULL DEFAULT 0,
  totalImageSizeNewest  INTEGER NOT NULL DEFAULT 0,
  totalDirectoryCountNewest INTEGER NOT NULL DEFAULT 0,
  totalLinkCountNewest  INTEGER NOT NULL DEFAULT 0,
  totalHardlinkCountNewest INTEGER NOT NULL DEFAULT 0,
  totalHardlinkSizeNewest  INTEGER NOT NULL DEFAULT 0,
  totalSpecialCountNewest  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS storagesEntityIdIndex ON storages(entityId);
CREATE INDEX IF NOT EXISTS storagesDeletedFlagIndex ON storages(deletedFlag, state);

CREATE TABLE IF NOT EXISTS entries(
  id              INTEGER PRIMARY KEY,
  entityId        INTEGER NOT NULL REFERENCES entities(id),
  type            INTEGER NOT NULL,
  name            TEXT NOT NULL,
  timeLastAccess  INTEGER NOT NULL DEFAULT 0,
  timeModified    INTEGER NOT NULL DEFAULT 0,
  timeLastChanged INTEGER NOT NULL DEFAULT 0,
  userId          INTEGER NOT NULL DEFAULT 0,
  groupId         INTEGER NOT NULL DEFAULT 0,
  permission      INTEGER NOT NULL DEFAULT 0,
  size            INTEGER NOT NULL DEFAULT 0,
  UNIQUE(entityId, type, name)
);
CREATE INDEX IF NOT EXISTS entriesEntityIdIndex ON entries(entityId);
CREATE VIRTUAL TABLE IF NOT EXISTS entriesFTS USING fts5(name, content='entries', content_rowid='id');

CREATE TABLE IF NOT EXISTS entriesNewest(
  entryId  INTEGER PRIMARY KEY REFERENCES entries(id),
  entityId INTEGER NOT NULL,
  name     TEXT NOT NULL,
  UNIQUE(entityId, name)
);

CREATE TABLE IF NOT EXISTS fileEntries(
  entryId INTEGER PRIMARY KEY REFERENCES entries(id),
  size    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS imageEntries(
  entryId        INTEGER PRIMARY KEY REFERENCES entries(id),
  fileSystemType INTEGER NOT NULL DEFAULT 0,
  size           INTEGER NOT NULL DEFAULT 0,
  blockSize      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS directoryEntries(
  entryId                   INTEGER PRIMARY KEY REFERENCES entries(id),
  storageId                 INTEGER NOT NULL REFERENCES storages(id),
  name                      TEXT NOT NULL,
  totalEntryCount           INTEGER NOT NULL DEFAULT 0,
  totalEntrySize            INTEGER NOT NULL DEFAULT 0,
  totalEntryCountNewest     INTEGER NOT NULL DEFAULT 0,
  totalEntrySizeNewest      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS directoryEntriesStorageNameIndex ON directoryEntries(storageId, name);

CREATE TABLE IF NOT EXISTS linkEntries(
  entryId         INTEGER PRIMARY KEY REFERENCES entries(id),
  storageId       INTEGER NOT NULL REFERENCES storages(id),
  destinationName TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS hardlinkEntries(
  entryId INTEGER PRIMARY KEY REFERENCES entries(id),
  size    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS specialEntries(
  entryId     INTEGER PRIMARY KEY REFERENCES entries(id),
  storageId   INTEGER NOT NULL REFERENCES storages(id),
  specialType INTEGER NOT NULL DEFAULT 0,
  major       INTEGER NOT NULL DEFAULT 0,
  minor       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entryFragments(
  id        INTEGER PRIMARY KEY,
  entryId   INTEGER NOT NULL REFERENCES entries(id),
  storageId INTEGER NOT NULL REFERENCES storages(id),
  offset    INTEGER NOT NULL DEFAULT 0,
  size      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS entryFragmentsEntryIdIndex ON entryFragments(entryId);
CREATE INDEX IF NOT EXISTS entryFragmentsStorageIdIndex ON entryFragments(storageId);

CREATE TABLE IF NOT EXISTS skippedEntries(
  id       INTEGER PRIMARY KEY,
  entityId INTEGER NOT NULL REFERENCES entities(id),
  type     INTEGER NOT NULL DEFAULT 0,
  name     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history(
  id       INTEGER PRIMARY KEY,
  jobUUID  TEXT NOT NULL,
  scheduleUUID TEXT NOT NULL DEFAULT '',
  created  INTEGER NOT NULL DEFAULT 0,
  errorMessage TEXT NOT NULL DEFAULT '',
  duration INTEGER NOT NULL DEFAULT 0,
  totalEntryCount INTEGER NOT NULL DEFAULT 0,
  totalEntrySize  INTEGER NOT NULL DEFAULT 0,
  skippedEntryCount INTEGER NOT NULL DEFAULT 0,
  skippedEntrySize  INTEGER NOT NULL DEFAULT 0,
  errorEntryCount   INTEGER NOT NULL DEFAULT 0,
  errorEntrySize    INTEGER NOT NULL DEFAULT 0
);
`

// DefaultEntityID is the distinguished default entity id that exists
// permanently and is never deleted.
const DefaultEntityID int64 = 0

// SeedDefaultEntity is run once, immediately after CreateTables, to
// insert the permanent default entity row.
const SeedDefaultEntity = `
INSERT OR IGNORE INTO entities(id, jobUUID, archiveType, created)
VALUES (0, '', 0, 0);
`
