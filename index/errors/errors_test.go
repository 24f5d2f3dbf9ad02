package errors

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New(KindNotFound, "GetID", errors.New("no rows"))
	if !errors.Is(a, ErrNotFound) {
		t.Fatalf("expected errors.Is(a, ErrNotFound) to be true")
	}
	if errors.Is(a, ErrBusy) {
		t.Fatalf("expected errors.Is(a, ErrBusy) to be false")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	e := New(KindDatabaseIO, "Exec", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("expected Unwrap to expose the original cause")
	}
}

func TestOfDefaultsToDatabaseIO(t *testing.T) {
	if Of(errors.New("unrelated")) != KindDatabaseIO {
		t.Fatalf("expected Of() on a plain error to default to KindDatabaseIO")
	}
	if Of(New(KindCorrupt, "probe", nil)) != KindCorrupt {
		t.Fatalf("expected Of() to report the wrapped Kind")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindDatabaseIO:     "database-io",
		KindVersionUnknown: "version-unknown",
		KindNotFound:       "not-found",
		KindBusy:           "busy",
		KindCorrupt:        "corrupt",
		KindForwarded:      "forwarded",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
