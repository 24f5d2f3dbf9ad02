// Package rpc defines the master/slave forwarding surface: when a
// handle has an upstream peer, mutations and some queries are
// serialized into a textual command and dispatched with a timeout.
// Only the command shape is specified; no real transport is
// implemented here (network transports are a Non-goal).
package rpc

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ServerIOTimeout bounds how long a slave handle waits for a peer's
// reply before giving up.
const ServerIOTimeout = 30 * time.Second

// Command names for the RPC surface.
const (
	CmdFindUUID           = "INDEX_FIND_UUID"
	CmdNewUUID            = "INDEX_NEW_UUID"
	CmdNewEntity          = "INDEX_NEW_ENTITY"
	CmdUpdateEntity       = "INDEX_UPDATE_ENTITY"
	CmdEntityUpdateInfos  = "INDEX_ENTITY_UPDATE_INFOS"
	CmdEntityDelete       = "INDEX_ENTITY_DELETE"
	CmdNewStorage         = "INDEX_NEW_STORAGE"
	CmdStorageUpdate      = "INDEX_STORAGE_UPDATE"
	CmdStorageUpdateInfos = "INDEX_STORAGE_UPDATE_INFOS"
	CmdStorageDelete      = "INDEX_STORAGE_DELETE"
	CmdAddFile            = "INDEX_ADD_FILE"
	CmdAddImage           = "INDEX_ADD_IMAGE"
	CmdAddDirectory       = "INDEX_ADD_DIRECTORY"
	CmdAddLink            = "INDEX_ADD_LINK"
	CmdAddHardlink        = "INDEX_ADD_HARDLINK"
	CmdAddSpecial         = "INDEX_ADD_SPECIAL"
	CmdSetState           = "INDEX_SET_STATE"
	CmdNewHistory         = "INDEX_NEW_HISTORY"
	CmdPruneUUID          = "INDEX_PRUNE_UUID"
	CmdPruneEntity        = "INDEX_PRUNE_ENTITY"
)

// Peer is an upstream index host a slave handle forwards calls to. A
// real implementation would serialize Call over a network transport;
// that transport is out of this module's scope, so only this
// interface and the command-building helpers below are specified.
type Peer interface {
	// Call dispatches command with args and returns the remote's
	// key-value reply, or an error surfaced as idxerrors.KindForwarded.
	Call(ctx context.Context, command string, args map[string]string) (map[string]string, error)
}

// BuildCommand renders command and its key=value arguments using the
// %'S / %'s single-quote escaping convention, plus a handshake digest
// (blake2b over the rendered line) a real transport can use as a
// cheap integrity check before dispatch, since the actual wire
// authentication is out of scope.
func BuildCommand(command string, args map[string]string, orderedKeys []string) (line string, digest [32]byte) {
	var b strings.Builder
	b.WriteString(command)
	for _, k := range orderedKeys {
		v, ok := args[k]
		if !ok {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteArg(v))
	}
	line = b.String()
	digest = blake2b.Sum256([]byte(line))
	return line, digest
}

// quoteArg applies the %'S / %'s escaping convention: wrap in single
// quotes, escaping embedded quotes and backslashes.
func quoteArg(v string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}

// ParseReply splits a "key=value" space-separated reply line into a
// map, for transports that hand back raw text instead of a pre-parsed
// map. Fields are split on whitespace and surrounding single quotes are
// trimmed; quoted values containing spaces or BuildCommand's escapes
// are not reassembled or unescaped.
func ParseReply(line string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Fields(line) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], "'")
	}
	return out
}
