package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/Last-Order/Minyami-sub000/internal/decrypt"
	"github.com/Last-Order/Minyami-sub000/internal/hls"
	"github.com/Last-Order/Minyami-sub000/internal/keystore"
	"github.com/Last-Order/Minyami-sub000/internal/merge"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
)

// Run level failure classes. Use errors.Is against these.
var (
	ErrParse         = hls.ErrParse
	ErrFetch         = httpx.ErrFetch
	ErrDecrypt       = decrypt.ErrDecrypt
	ErrKeyResolution = keystore.ErrUnresolved
	ErrMerge         = merge.ErrMerge

	// ErrLivePlaylist is returned by an archive download of a playlist
	// without EXT-X-ENDLIST.
	ErrLivePlaylist = errors.New("playlist is live")
	// ErrUnsupportedEncryption is returned for key methods other than AES-128.
	ErrUnsupportedEncryption = errors.New("unsupported encryption method")
	// ErrInterrupted wraps context cancellation of an archive run whose
	// progress was checkpointed.
	ErrInterrupted = errors.New("download interrupted")
	// ErrEmptyPlaylist is returned when no segment is left to download.
	ErrEmptyPlaylist = errors.New("playlist has no segments")
)

// Failure classes used for metrics and logs.
const (
	classFetch   = "fetch"
	classDecrypt = "decrypt"
	classKey     = "key"
	classTimeout = "timeout"
	classOther   = "other"
)

func classify(err error) string {
	switch {
	case errors.Is(err, ErrKeyResolution):
		return classKey
	case errors.Is(err, ErrDecrypt):
		return classDecrypt
	case errors.Is(err, context.DeadlineExceeded):
		return classTimeout
	case errors.Is(err, ErrFetch):
		return classFetch
	default:
		return classOther
	}
}

var errNoKeyHook = errors.New("site parser provides no key hook")

// An encrypted EXT-X-MAP has no media sequence number to derive an IV from.
var errInitWithoutIV = fmt.Errorf("%w: encrypted initialization segment without IV", ErrUnsupportedEncryption)

type unsupportedError struct {
	method string
}

func (e *unsupportedError) Error() string {
	return "unsupported encryption method " + e.method
}

func (e *unsupportedError) Is(target error) bool {
	return target == ErrUnsupportedEncryption
}
