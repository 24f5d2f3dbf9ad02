package index

import (
	"testing"

	"github.com/go-test/deep"
)

func TestAncestorDirs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"top-level file", "/etc/hosts", []string{"/etc"}},
		{"nested file", "/a/b/c/file.txt", []string{"/a/b/c", "/a/b", "/a"}},
		{"root file has no ancestors", "/file.txt", nil},
		{"no leading slash", "file.txt", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ancestorDirs(tc.in)
			if diff := deep.Equal(got, tc.want); diff != nil {
				t.Fatalf("ancestorDirs(%q) mismatch: %v", tc.in, diff)
			}
		})
	}
}

func TestStorageCountsEntryCountIsSumOfTypes(t *testing.T) {
	c := storageCounts{
		fileCount: 2, imageCount: 1, dirCount: 3,
		linkCount: 1, hardlinkCount: 1, specialCount: 1,
	}
	if got := c.entryCount(); got != 9 {
		t.Fatalf("entryCount() = %d, want 9", got)
	}
}

func TestStorageCountsEntrySizeExcludesUnsizedTypes(t *testing.T) {
	c := storageCounts{fileSize: 100, imageSize: 50, hardlinkSize: 25}
	if got := c.entrySize(); got != 175 {
		t.Fatalf("entrySize() = %d, want 175", got)
	}
}
