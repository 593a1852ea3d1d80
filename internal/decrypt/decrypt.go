// Package decrypt turns AES-128 encrypted segment files into plaintext.
package decrypt

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrDecrypt classifies decryption failures. They are retried like fetch failures.
var ErrDecrypt = errors.New("decrypt failed")

// Decrypter produces plaintext at out from the ciphertext at in.
type Decrypter interface {
	Decrypt(ctx context.Context, in, out, hexKey, hexIV string) error
}

// Backend names accepted by New.
const (
	BackendNative  = "native"
	BackendOpenSSL = "openssl"
)

// New returns the decrypter named by backend. Empty selects native.
func New(backend, openSSLPath string) (Decrypter, error) {
	switch backend {
	case "", BackendNative:
		return Native{}, nil
	case BackendOpenSSL:
		return OpenSSL{Path: openSSLPath}, nil
	default:
		return nil, fmt.Errorf("unknown decrypt backend %q", backend)
	}
}

// IV returns the hex IV for a segment: the EXT-X-KEY IV attribute when
// present, otherwise the media sequence number as a 128-bit big-endian value.
func IV(attr string, sequence int) (string, error) {
	if attr == "" {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[8:], uint64(sequence))
		return hex.EncodeToString(buf[:]), nil
	}
	v := strings.TrimPrefix(strings.TrimPrefix(attr, "0x"), "0X")
	b, err := hex.DecodeString(v)
	if err != nil || len(b) != 16 {
		return "", fmt.Errorf("%w: invalid IV %q", ErrDecrypt, attr)
	}
	return strings.ToLower(v), nil
}

func decodeKeyIV(hexKey, hexIV string) (key, iv []byte, err error) {
	key, err = hex.DecodeString(hexKey)
	if err != nil || len(key) != 16 {
		return nil, nil, fmt.Errorf("%w: key must be 16 hex encoded bytes", ErrDecrypt)
	}
	iv, err = hex.DecodeString(hexIV)
	if err != nil || len(iv) != 16 {
		return nil, nil, fmt.Errorf("%w: iv must be 16 hex encoded bytes", ErrDecrypt)
	}
	return key, iv, nil
}
