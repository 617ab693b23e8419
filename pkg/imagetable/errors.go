package imagetable

import "errors"

var (
	// ErrDrawFailed wraps an error returned by a caller's DrawFunc; the
	// slot touched by the failed draw is reverted before this is returned.
	ErrDrawFailed = errors.New("imagetable: draw callback failed")

	// ErrClosed is returned by any operation performed after Close.
	ErrClosed = errors.New("imagetable: table is closed")

	// ErrIncompatibleFormat describes an existing sidecar whose schema
	// fingerprint does not match the requested descriptor. Open does not
	// return it: it discards an incompatible table and starts empty.
	ErrIncompatibleFormat = errors.New("imagetable: existing table has an incompatible format")
)
