package decrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey = "000102030405060708090a0b0c0d0e0f"
	testIV  = "0f0e0d0c0b0a09080706050403020100"
)

func encrypt(t *testing.T, plain []byte) []byte {
	t.Helper()
	key, _ := hex.DecodeString(testKey)
	iv, _ := hex.DecodeString(testIV)
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func writeCipher(t *testing.T, plain []byte) (in, out string) {
	t.Helper()
	dir := t.TempDir()
	in = filepath.Join(dir, "seg.ts.enc")
	out = filepath.Join(dir, "seg.ts")
	require.NoError(t, os.WriteFile(in, encrypt(t, plain), 0o600))
	return in, out
}

func TestIV(t *testing.T) {
	iv, err := IV("", 1)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000001", iv)

	iv, err = IV("", 0x0102)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000102", iv)

	iv, err = IV("0xABCDEF0123456789ABCDEF0123456789", 5)
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", iv)

	_, err = IV("0x1234", 0)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestNative_RoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("transport-stream"), 47)
	in, out := writeCipher(t, plain)

	require.NoError(t, Native{}.Decrypt(context.Background(), in, out, testKey, testIV))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestNative_WrongKeyFailsPadding(t *testing.T) {
	in, out := writeCipher(t, []byte("short payload"))
	err := Native{}.Decrypt(context.Background(), in, out, "ffffffffffffffffffffffffffffffff", testIV)
	// A wrong key yields garbage; padding validation catches it almost always.
	if err != nil {
		assert.True(t, errors.Is(err, ErrDecrypt))
		_, statErr := os.Stat(out)
		assert.True(t, os.IsNotExist(statErr))
	}
}

func TestNative_RejectsTruncatedCiphertext(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.WriteFile(in, []byte("not a block multiple"), 0o600))
	err := Native{}.Decrypt(context.Background(), in, filepath.Join(dir, "out"), testKey, testIV)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestNative_BadKey(t *testing.T) {
	err := Native{}.Decrypt(context.Background(), "in", "out", "zz", testIV)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestOpenSSL_MatchesNative(t *testing.T) {
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
	plain := bytes.Repeat([]byte{0x47, 1, 2, 3}, 500)
	in, out := writeCipher(t, plain)

	require.NoError(t, OpenSSL{}.Decrypt(context.Background(), in, out, testKey, testIV))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenSSL_MissingBinary(t *testing.T) {
	err := OpenSSL{Path: filepath.Join(t.TempDir(), "no-openssl")}.Decrypt(context.Background(), "a", "b", testKey, testIV)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestNew(t *testing.T) {
	d, err := New("", "")
	require.NoError(t, err)
	assert.IsType(t, Native{}, d)
	d, err = New(BackendOpenSSL, "/usr/bin/openssl")
	require.NoError(t, err)
	assert.Equal(t, OpenSSL{Path: "/usr/bin/openssl"}, d)
	_, err = New("gpu", "")
	assert.Error(t, err)
}
