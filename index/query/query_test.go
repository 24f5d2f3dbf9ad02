package query

import (
	"testing"

	"github.com/go-test/deep"
)

func TestNormalizeFTSPattern(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
	}{
		{"plain word", "hosts", "hosts"},
		{"two tokens", "etc hosts", "etc hosts"},
		{"punctuation collapses", "foo.bar", "foo*bar"},
		{"trailing punctuation", "foo/", "foo*"},
		{"leading punctuation", "/etc", "*etc"},
		{"unicode kept", "café", "café"},
		{"multiple separators collapse to one star", "a...b", "a*b"},
		{"empty input", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeFTSPattern(tc.in)
			if got != tc.want {
				t.Fatalf("NormalizeFTSPattern(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFilterAppend(t *testing.T) {
	f := NewFilter().
		Append(true, "AND", "a = ?", 1).
		Append(false, "AND", "b = ?", 2).
		Append(true, "OR", "c = ?", 3)
	sql, args := f.SQL()
	if want := "(a = ?) OR (c = ?)"; sql != want {
		t.Fatalf("SQL() = %q, want %q", sql, want)
	}
	if diff := deep.Equal(args, []any{1, 3}); diff != nil {
		t.Fatalf("args mismatch: %v", diff)
	}
}

func TestFilterEmptyRendersTrue(t *testing.T) {
	f := NewFilter()
	sql, args := f.SQL()
	if sql != "1=1" {
		t.Fatalf("SQL() = %q, want 1=1", sql)
	}
	if args != nil {
		t.Fatalf("args = %v, want nil", args)
	}
}

func TestFilterIn(t *testing.T) {
	f := NewFilter().In("id", []int64{1, 2, 3})
	sql, args := f.SQL()
	if want := "(id IN (?, ?, ?))"; sql != want {
		t.Fatalf("SQL() = %q, want %q", sql, want)
	}
	if diff := deep.Equal(args, []any{int64(1), int64(2), int64(3)}); diff != nil {
		t.Fatalf("args mismatch: %v", diff)
	}
}

func TestFilterInEmptyIsNoop(t *testing.T) {
	f := NewFilter().In("id", nil)
	sql, args := f.SQL()
	if sql != "1=1" || args != nil {
		t.Fatalf("expected no-op filter, got sql=%q args=%v", sql, args)
	}
}

func TestAppendOrdering(t *testing.T) {
	cases := []struct {
		dir  Direction
		want string
	}{
		{Ascending, "ORDER BY name ASC"},
		{Descending, "ORDER BY name DESC"},
		{None, ""},
	}
	for _, tc := range cases {
		if got := AppendOrdering("name", tc.dir); got != tc.want {
			t.Fatalf("AppendOrdering(name, %v) = %q, want %q", tc.dir, got, tc.want)
		}
	}
}

func TestLimitClause(t *testing.T) {
	cases := []struct {
		name string
		p    ListParams
		want string
	}{
		{"no limit no offset", ListParams{}, ""},
		{"limit only", ListParams{Limit: 10}, "LIMIT 10"},
		{"offset only", ListParams{Offset: 5}, "LIMIT -1 OFFSET 5"},
		{"both", ListParams{Limit: 10, Offset: 5}, "LIMIT 10 OFFSET 5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LimitClause(tc.p); got != tc.want {
				t.Fatalf("LimitClause(%+v) = %q, want %q", tc.p, got, tc.want)
			}
		})
	}
}

func TestSortModeColumnName(t *testing.T) {
	cases := []struct {
		mode SortMode
		want string
	}{
		{SortName, "name"},
		{SortCreated, "created"},
		{SortSize, "size"},
		{SortNone, ""},
	}
	for _, tc := range cases {
		if got := tc.mode.ColumnName(); got != tc.want {
			t.Fatalf("ColumnName() = %q, want %q", got, tc.want)
		}
	}
}

func TestSetsRoundTrip(t *testing.T) {
	s := NewStateSet(1, 3, 4)
	for _, v := range []int{1, 3, 4} {
		if !s.Has(v) {
			t.Fatalf("expected set to contain %d", v)
		}
	}
	for _, v := range []int{0, 2, 5} {
		if s.Has(v) {
			t.Fatalf("did not expect set to contain %d", v)
		}
	}
}

func TestAppendSetEmptyIsNoop(t *testing.T) {
	f := NewFilter().AppendSet("state", 0, 8)
	sql, args := f.SQL()
	if sql != "1=1" || args != nil {
		t.Fatalf("expected no-op filter, got sql=%q args=%v", sql, args)
	}
}

func TestAppendSetMembers(t *testing.T) {
	set := NewStateSet(0, 2)
	f := NewFilter().AppendSet("state", uint32(set), 8)
	sql, args := f.SQL()
	if want := "(state IN (?, ?))"; sql != want {
		t.Fatalf("SQL() = %q, want %q", sql, want)
	}
	if diff := deep.Equal(args, []any{0, 2}); diff != nil {
		t.Fatalf("args mismatch: %v", diff)
	}
}
