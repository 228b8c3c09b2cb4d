package memory

import (
	"errors"
)

// Sentinel errors for the memory substrate.
var (
	ErrValidation           = errors.New("memory: validation failed")
	ErrNotFound             = errors.New("memory: not found")
	ErrDuplicate            = errors.New("memory: id already exists")
	ErrDimensionMismatch    = errors.New("memory: vector dimension mismatch")
	ErrIndexInconsistent    = errors.New("memory: store and index disagree")
	ErrRetrievalFailed      = errors.New("memory: all retrieval sources failed")
	ErrEmbedderUnavailable  = errors.New("memory: embedder unavailable")
	ErrEmbedderIncompatible = errors.New("memory: embedder incompatible")
	ErrStorageUnavailable   = errors.New("memory: storage unavailable")
)

// MaxContentBytes bounds the size of a single memory's content.
const MaxContentBytes = 64 * 1024
