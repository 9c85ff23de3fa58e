// File: pkg/types/errors.go
package types

import "errors"

// Error taxonomy for the traversal stack. Callers wrap these with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrIO reports a failed block read.
	ErrIO = errors.New("apfs: i/o error")

	// ErrInvalid reports bad mount options, a nonexistent volume index,
	// or a superblock with the wrong magic.
	ErrInvalid = errors.New("apfs: invalid argument")

	// ErrCorrupted reports a checksum mismatch, a malformed node, a
	// record with the wrong size, or an out-of-range offset inside a
	// node.
	ErrCorrupted = errors.New("apfs: filesystem corrupted")

	// ErrNotFound reports a B-tree query with no satisfying record.
	ErrNotFound = errors.New("apfs: record not found")
)
