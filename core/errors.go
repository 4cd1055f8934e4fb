package core

import "errors"

// Error kinds, grouped by the subsystem that raises them. Each is a
// sentinel value; callers compare with errors.Is after an
// fmt.Errorf("...: %w", err) wrap.

// Load errors.
var (
	ErrNotFound          = errors.New("ate: not found")
	ErrNotFoundByHash    = errors.New("ate: not found by hash")
	ErrAlreadyDeleted    = errors.New("ate: already deleted")
	ErrTombstoned        = errors.New("ate: tombstoned")
	ErrObjectStillLocked = errors.New("ate: object still locked")
	ErrNoRepository      = errors.New("ate: no repository")
	ErrMissingData       = errors.New("ate: missing data")
	ErrWeakDio           = errors.New("ate: weak reference's dio is gone")
	ErrCollectionDetached = errors.New("ate: collection detached")
	ErrVersionMismatch   = errors.New("ate: version mismatch")
	ErrLoadFailed        = errors.New("ate: load failed")
	ErrChainCreation     = errors.New("ate: chain creation error")
)

// Commit errors.
var (
	ErrValidation        = errors.New("ate: validation error")
	ErrSerialization     = errors.New("ate: serialization error")
	ErrPipe              = errors.New("ate: pipe error")
)

// ChainCreation errors.
var (
	ErrServerRejected     = errors.New("ate: server rejected chain creation")
	ErrNotFoundLocally    = errors.New("ate: chain not found locally")
	ErrUnsupportedVersion = errors.New("ate: unsupported redo-log version")
)

// Transform (tree authority) errors.
var (
	ErrUnspecifiedReadability = errors.New("ate: unspecified readability")
	ErrMissingReadKey         = errors.New("ate: missing read key")
	ErrNoIvPresent            = errors.New("ate: no initialization vector present")
	ErrDecrypt                = errors.New("ate: decryption failed")
)

// Comms (mesh) errors.
var (
	ErrNoWireFormat = errors.New("ate: no wire format negotiated")
	ErrDisconnected = errors.New("ate: disconnected")
	ErrTimeout      = errors.New("ate: timeout")
	ErrReadOnly     = errors.New("ate: session is read-only")
)

// Bus (service hooks) errors.
var (
	ErrReceive        = errors.New("ate: receive error")
	ErrChannelClosed  = errors.New("ate: channel closed")
	ErrSaveParentFirst = errors.New("ate: save parent first")
)

// Generic transformation/IO.
var (
	ErrTransformation = errors.New("ate: transformation error")
	ErrIO             = errors.New("ate: io error")
)
