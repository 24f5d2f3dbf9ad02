package index

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// validateCompression constructs and closes a writer (no bytes written)
// for the codec a caller declared for a fragment, catching a misconfigured
// CompressionAlgorithm (e.g. an xz writer option that rejects the
// preset) at ingestion time rather than leaving a fragment whose
// recorded codec can never actually decode it. The index never stores
// compressed bytes itself (archive-file layout is out of scope); this
// only proves the declared codec is constructible.
func validateCompression(c CompressionAlgorithm) error {
	switch c {
	case CompressionNone:
		return nil
	case CompressionLZ4:
		w := lz4.NewWriter(io.Discard)
		if err := w.Close(); err != nil {
			return fmt.Errorf("lz4 codec unavailable: %w", err)
		}
		return nil
	case CompressionXZ:
		w, err := xz.NewWriter(io.Discard)
		if err != nil {
			return fmt.Errorf("xz codec unavailable: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("xz codec unavailable: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown compression algorithm %d", c)
	}
}
