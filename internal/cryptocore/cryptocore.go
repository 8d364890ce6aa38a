// Package cryptocore wraps the AES primitive behind the two total
// operations the rest of the library needs: Encrypt and Decrypt, with a
// per-call, stateless signature matching the container format (each block
// and each info record carries its own fresh IV, there is no per-file
// nonce counter to maintain).
package cryptocore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/zqbxx/evcrypt/internal/exitcodes"
	"github.com/zqbxx/evcrypt/internal/tlog"
)

// KeyLen is the required key size, in bytes (AES-256).
const KeyLen = 32

// IVLen is the IV size used for every block and info record, in bytes.
const IVLen = 16

// ErrCrypto is the sentinel wrapped by every encryption/decryption failure.
var ErrCrypto = errors.New("crypto error")

// ErrBadKeyLen is returned by Encrypt/Decrypt when the supplied key is not
// exactly KeyLen bytes.
var ErrBadKeyLen = fmt.Errorf("%w: key must be %d bytes", ErrCrypto, KeyLen)

func init() {
	exitcodes.Register(ErrCrypto, exitcodes.CryptoError)
}

// RandBytes returns n cryptographically random bytes, panicking if the OS
// RNG is unavailable: a broken CSPRNG is not a recoverable condition.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		tlog.Fatal.Printf("cryptocore: RandBytes(%d) failed: %v", n, err)
		panic(err)
	}
	return b
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, ErrBadKeyLen
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return gcm, nil
}

// Encrypt picks a fresh IV and returns (iv, ciphertext). ciphertext is
// plaintext padded by the AEAD's authentication tag (Overhead() bytes,
// 16 for AES-GCM). Empty plaintext is legal and yields a non-empty
// (tag-only) ciphertext.
func Encrypt(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = RandBytes(IVLen)
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

// BlockOverhead returns the number of ciphertext bytes added per block by
// Encrypt (the authentication tag length).
func BlockOverhead() int {
	gcm, err := newGCM(make([]byte, KeyLen))
	if err != nil {
		// newGCM only fails on malformed input; a zero key of the right
		// length always succeeds.
		panic(err)
	}
	return gcm.Overhead()
}

// Decrypt recovers the plaintext. plaintextLen is advisory only: AES-GCM is
// not padded, so the exact plaintext length is always ciphertext length
// minus the tag size; plaintextLen is accepted (and may be -1, meaning
// "unknown", as used for info records) and is cross-checked against the
// decrypted length when non-negative.
func Decrypt(key, iv []byte, plaintextLen int, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrCrypto, len(iv))
	}
	if bytes.Equal(iv, make([]byte, IVLen)) {
		return nil, fmt.Errorf("%w: all-zero iv", ErrCrypto)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if plaintextLen >= 0 && len(plaintext) != plaintextLen {
		return nil, fmt.Errorf("%w: expected %d plaintext bytes, got %d", ErrCrypto, plaintextLen, len(plaintext))
	}
	return plaintext, nil
}
