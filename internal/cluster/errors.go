package cluster

import "errors"

// ErrorCode is the wire form of an error carried in a reply envelope.
type ErrorCode string

const (
	CodeTransportTimeout ErrorCode = "TRANSPORT_TIMEOUT"
	CodeUnknownDisk      ErrorCode = "UNKNOWN_DISK"
	CodeStaleVersion     ErrorCode = "STALE_VERSION"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeWriteFailed      ErrorCode = "WRITE_FAILED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	CodeTooLarge         ErrorCode = "TOO_LARGE"
	CodeInternal         ErrorCode = "INTERNAL"
)

var (
	// ErrTransportTimeout is returned when a request exhausted its retries
	// without being acknowledged. The caller decides whether that means the
	// peer failed.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrUnknownDisk is returned to a disk the manager has no live record of.
	// The disk must JOIN again.
	ErrUnknownDisk = errors.New("unknown disk")

	// ErrStaleVersion rejects a PUT whose version is not exactly one above
	// the stored version.
	ErrStaleVersion = errors.New("stale version")

	// ErrUnavailable means no live replica could serve the request.
	ErrUnavailable = errors.New("unavailable")

	// ErrWriteFailed means a write did not reach a quorum of replicas.
	ErrWriteFailed = errors.New("write failed")

	// ErrNotFound is returned for operations on a file name that does not exist.
	ErrNotFound = errors.New("not found")

	ErrInvalidRequest = errors.New("invalid request")
	ErrTooLarge       = errors.New("message too large")
	ErrInternal       = errors.New("internal error")
)

var codes = []struct {
	code ErrorCode
	err  error
}{
	{CodeTransportTimeout, ErrTransportTimeout},
	{CodeUnknownDisk, ErrUnknownDisk},
	{CodeStaleVersion, ErrStaleVersion},
	{CodeUnavailable, ErrUnavailable},
	{CodeWriteFailed, ErrWriteFailed},
	{CodeNotFound, ErrNotFound},
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeTooLarge, ErrTooLarge},
}

// CodeOf maps err to its wire code. Errors outside the taxonomy map to
// INTERNAL; a nil error maps to the empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Err maps a wire code back to its sentinel error.
func (c ErrorCode) Err() error {
	if c == "" {
		return nil
	}
	for _, e := range codes {
		if e.code == c {
			return e.err
		}
	}
	return ErrInternal
}
