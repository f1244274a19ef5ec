package vault

import (
	"errors"

	"github.com/agentvault/agentvault/pkg/codec"
)

var (
	// ErrInvalidInput marks malformed keys or metadata. Caller error,
	// detected at the operation boundary before any mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means the reference does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrGone means the reference resolves to a tombstoned shard.
	ErrGone = errors.New("memory deleted")

	// ErrAlreadyExists marks a duplicate vault or shard key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized means the caller failed a permission check.
	// Never retried automatically.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict means a concurrent mutation won the serialization
	// race. Safe to retry with fresh state.
	ErrConflict = errors.New("concurrent mutation conflict")

	// ErrIntegrity is codec.ErrIntegrity: hash or authentication
	// mismatch on decrypt. Surfaced verbatim, never retried.
	ErrIntegrity = codec.ErrIntegrity
)
