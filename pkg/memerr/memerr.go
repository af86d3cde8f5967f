// Package memerr defines the user-visible error kinds shared across the
// memory plane (spec §7) and a Kind classifier used by logging and the
// retrieval engine's per-candidate failure annotations.
package memerr

import "errors"

// Sentinel errors. Components wrap these with fmt.Errorf("%w: ...") so
// callers can still use errors.Is while getting a descriptive message.
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("not found")
	ErrNoAccess               = errors.New("no access")
	ErrSessionExpired         = errors.New("session expired")
	ErrEncryptionFailed       = errors.New("encryption failed")
	ErrDecryptionFailed       = errors.New("decryption failed")
	ErrIntegrityError         = errors.New("integrity error")
	ErrInconsistentKeyServers = errors.New("inconsistent key servers")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrKeyServerUnavailable   = errors.New("key server unavailable")
	ErrEmbeddingUnavailable   = errors.New("embedding unavailable")
	ErrLLMUnavailable         = errors.New("llm unavailable")
	ErrBackpressure           = errors.New("backpressure")
	ErrIndexCorrupted         = errors.New("index corrupted")
)

// retriable lists the kinds that are safe to retry with exponential backoff
// per spec §7 ("only transport-layer faults are retried").
var retriable = map[error]bool{
	ErrStorageUnavailable:   true,
	ErrKeyServerUnavailable: true,
	ErrEmbeddingUnavailable: true,
	ErrLLMUnavailable:       true,
}

// Retriable reports whether err matches one of the *Unavailable sentinels
// that the enclosing caller may retry with backoff.
func Retriable(err error) bool {
	for sentinel, ok := range retriable {
		if ok && errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Kind classifies err into its spec §7 error-kind name. It returns "" for a
// nil err and "Internal" if err does not match any known sentinel.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrNoAccess):
		return "NoAccess"
	case errors.Is(err, ErrSessionExpired):
		return "SessionExpired"
	case errors.Is(err, ErrEncryptionFailed):
		return "EncryptionFailed"
	case errors.Is(err, ErrDecryptionFailed):
		return "DecryptionFailed"
	case errors.Is(err, ErrIntegrityError):
		return "IntegrityError"
	case errors.Is(err, ErrInconsistentKeyServers):
		return "InconsistentKeyServers"
	case errors.Is(err, ErrStorageUnavailable):
		return "StorageUnavailable"
	case errors.Is(err, ErrKeyServerUnavailable):
		return "KeyServerUnavailable"
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "EmbeddingUnavailable"
	case errors.Is(err, ErrLLMUnavailable):
		return "LLMUnavailable"
	case errors.Is(err, ErrBackpressure):
		return "Backpressure"
	case errors.Is(err, ErrIndexCorrupted):
		return "IndexCorrupted"
	default:
		return "Internal"
	}
}
