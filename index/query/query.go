// Package query implements the filter/order string builders and
// full-text pattern normalization the index list operations share,
// independent of any particular database handle so they can be unit
// tested as pure functions.
package query

import (
	"fmt"
	"strings"
)

// Direction is a list operation's sort direction.
type Direction int

const (
	None Direction = iota
	Ascending
	Descending
)

// Filter accumulates SQL WHERE fragments incrementally: each call
// appends "<connective> (…)" only when condition is true and, for
// AND/OR, only when the buffer already has content for OR/AND to
// connect to.
type Filter struct {
	b    strings.Builder
	args []any
}

// NewFilter returns an empty filter builder.
func NewFilter() *Filter { return &Filter{} }

// Append appends format (with args substituted as SQL placeholders)
// wrapped in parentheses, connected to any existing content with
// connective ("AND"/"OR"), but only when condition is true.
func (f *Filter) Append(condition bool, connective, format string, args ...any) *Filter {
	if !condition {
		return f
	}
	if f.b.Len() > 0 {
		f.b.WriteByte(' ')
		f.b.WriteString(connective)
		f.b.WriteByte(' ')
	}
	f.b.WriteByte('(')
	f.b.WriteString(format)
	f.b.WriteByte(')')
	f.args = append(f.args, args...)
	return f
}

// In appends "column IN (?, ?, …)" for a non-empty slice of ids,
// connected with "AND". A nil/empty slice leaves the filter unchanged:
// an empty include-list means "no restriction".
func (f *Filter) In(column string, ids []int64) *Filter {
	if len(ids) == 0 {
		return f
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return f.Append(true, "AND", fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), args...)
}

// SQL renders the accumulated WHERE clause (without the leading WHERE
// keyword) and its positional arguments. An empty filter renders "1=1"
// so callers can always splice it into a WHERE clause unconditionally.
func (f *Filter) SQL() (string, []any) {
	if f.b.Len() == 0 {
		return "1=1", nil
	}
	return f.b.String(), f.args
}

// AppendOrdering renders "ORDER BY col ASC|DESC", or "" for None.
func AppendOrdering(column string, dir Direction) string {
	switch dir {
	case Ascending:
		return "ORDER BY " + column + " ASC"
	case Descending:
		return "ORDER BY " + column + " DESC"
	default:
		return ""
	}
}

// NormalizeFTSPattern tokenizes on whitespace; within each token it
// keeps alphanumerics and code points >= 128, collapsing other runs
// into a single '*' suffix, producing a safe prefix pattern for the
// FTS5 MATCH operator.
func NormalizeFTSPattern(pattern string) string {
	fields := strings.Fields(pattern)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		tok := normalizeToken(field)
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, " ")
}

func normalizeToken(field string) string {
	var b strings.Builder
	runOfOther := false
	for _, r := range field {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r >= 128 {
			b.WriteRune(r)
			runOfOther = false
			continue
		}
		if !runOfOther {
			b.WriteByte('*')
			runOfOther = true
		}
	}
	return b.String()
}

// SortMode enumerates the sort columns a list call may request;
// ColumnName resolves one to a literal SQL column.
type SortMode int

const (
	SortNone SortMode = iota
	SortName
	SortCreated
	SortSize
)

// ColumnName maps a SortMode to the column name in the table the
// caller is listing, or "" for SortNone (no ORDER BY emitted).
func (s SortMode) ColumnName() string {
	switch s {
	case SortName:
		return "name"
	case SortCreated:
		return "created"
	case SortSize:
		return "size"
	default:
		return ""
	}
}

// StateSet, ModeSet, TypeSet and ArchiveTypeSet are small bitmask set
// types: a caller may restrict a list call to several enum values at
// once (spec.md §4.I's IndexStateSet/IndexModeSet/IndexTypeSet and
// ArchiveType filters).
type StateSet uint32
type ModeSet uint32
type TypeSet uint32
type ArchiveTypeSet uint32

// Has reports whether v's bit is present in the set.
func (s StateSet) Has(v int) bool       { return s&(1<<uint(v)) != 0 }
func (s ModeSet) Has(v int) bool        { return s&(1<<uint(v)) != 0 }
func (s TypeSet) Has(v int) bool        { return s&(1<<uint(v)) != 0 }
func (s ArchiveTypeSet) Has(v int) bool { return s&(1<<uint(v)) != 0 }

// NewStateSet/NewModeSet/NewTypeSet/NewArchiveTypeSet build a set from
// member values.
func NewStateSet(values ...int) StateSet {
	var s StateSet
	for _, v := range values {
		s |= 1 << uint(v)
	}
	return s
}

func NewModeSet(values ...int) ModeSet {
	var s ModeSet
	for _, v := range values {
		s |= 1 << uint(v)
	}
	return s
}

func NewTypeSet(values ...int) TypeSet {
	var s TypeSet
	for _, v := range values {
		s |= 1 << uint(v)
	}
	return s
}

func NewArchiveTypeSet(values ...int) ArchiveTypeSet {
	var s ArchiveTypeSet
	for _, v := range values {
		s |= 1 << uint(v)
	}
	return s
}

// AppendSet appends "column IN (…)" for every member present in a
// non-empty set, connected with AND; an empty (zero) set means "no
// restriction" and leaves the filter unchanged.
func (f *Filter) AppendSet(column string, set uint32, universe int) *Filter {
	if set == 0 {
		return f
	}
	var members []any
	var placeholders []string
	for v := 0; v < universe; v++ {
		if set&(1<<uint(v)) != 0 {
			members = append(members, v)
			placeholders = append(placeholders, "?")
		}
	}
	if len(members) == 0 {
		return f
	}
	return f.Append(true, "AND", fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), members...)
}

// ListParams bundles the common arguments every list operation accepts:
// include-id lists, an optional full-text pattern, the spec.md §4.I set
// filters (applied by whichever list call has the matching column —
// StateSet/ModeSet by ListStorages, TypeSet by ListEntries,
// ArchiveTypes by ListEntities), sort/direction and paging.
type ListParams struct {
	UUIDIds    []int64
	EntityIds  []int64
	StorageIds []int64
	Pattern    string

	StateSet     StateSet
	ModeSet      ModeSet
	TypeSet      TypeSet
	ArchiveTypes ArchiveTypeSet

	Sort      SortMode
	Direction Direction
	Offset    int64
	Limit     int64
}

// LimitClause renders "LIMIT n OFFSET m", omitting either piece that is
// unset (limit <= 0 means unlimited).
func LimitClause(p ListParams) string {
	if p.Limit <= 0 && p.Offset <= 0 {
		return ""
	}
	var b strings.Builder
	if p.Limit > 0 {
		fmt.Fprintf(&b, "LIMIT %d ", p.Limit)
	} else {
		b.WriteString("LIMIT -1 ")
	}
	if p.Offset > 0 {
		fmt.Fprintf(&b, "OFFSET %d", p.Offset)
	}
	return strings.TrimSpace(b.String())
}
