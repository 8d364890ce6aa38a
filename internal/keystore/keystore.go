// Package keystore manages the symmetric keys used to open encrypted
// containers: deriving them from a passphrase (scrypt or Argon2id) and
// caching them under a small integer index, so a "crypto://" URI's
// "?key=N" query parameter can name one without the key material ever
// appearing in the URI itself.
package keystore

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"

	"github.com/creachadair/msync"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/exitcodes"
	"github.com/zqbxx/evcrypt/internal/memprotect"
	"github.com/zqbxx/evcrypt/internal/tlog"
)

const (
	// ScryptDefaultLogN is the default cost parameter: N=2^17, 128MB.
	ScryptDefaultLogN = 17

	scryptMinR       = 8
	scryptMinP       = 1
	scryptMinLogN    = 10
	scryptMinSaltLen = 32

	// Argon2idDefaultMemory and the following are the library's Argon2id defaults.
	Argon2idDefaultMemory      = 64 * 1024
	Argon2idDefaultIterations  = 3
	Argon2idDefaultParallelism = 4
	argon2idMinMemory          = 16 * 1024
	argon2idMinIterations      = 1
	argon2idMinParallelism     = 1
	argon2idMinSaltLen         = 16
)

// ErrWeakParams is returned when a KDF is asked to derive a key with
// parameters below the hardcoded safety floor. A library has no business
// killing its host process, so this is a returned error rather than a
// fatal exit.
var ErrWeakParams = errors.New("keystore: KDF parameters below minimum")

// ScryptKDF derives keys with scrypt (RFC 7914).
type ScryptKDF struct {
	Salt   []byte
	N      int
	R      int
	P      int
	KeyLen int
}

// NewScryptKDF returns a ScryptKDF with a fresh random salt. logN <= 0
// selects ScryptDefaultLogN.
func NewScryptKDF(logN int) ScryptKDF {
	var s ScryptKDF
	s.Salt = cryptocore.RandBytes(cryptocore.KeyLen)
	if logN <= 0 {
		logN = ScryptDefaultLogN
	}
	s.N = 1 << uint(logN)
	s.R = 8
	s.P = 1
	s.KeyLen = cryptocore.KeyLen
	return s
}

// LogN returns log2(N).
func (s *ScryptKDF) LogN() int { return int(math.Log2(float64(s.N)) + 0.5) }

func (s *ScryptKDF) validate() error {
	if s.N < 1<<scryptMinLogN {
		return fmt.Errorf("%w: N=%d below 2^%d", ErrWeakParams, s.N, scryptMinLogN)
	}
	if s.R < scryptMinR {
		return fmt.Errorf("%w: R=%d below %d", ErrWeakParams, s.R, scryptMinR)
	}
	if s.P < scryptMinP {
		return fmt.Errorf("%w: P=%d below %d", ErrWeakParams, s.P, scryptMinP)
	}
	if len(s.Salt) < scryptMinSaltLen {
		return fmt.Errorf("%w: salt length %d below %d", ErrWeakParams, len(s.Salt), scryptMinSaltLen)
	}
	if s.KeyLen < cryptocore.KeyLen {
		return fmt.Errorf("%w: key length %d below %d", ErrWeakParams, s.KeyLen, cryptocore.KeyLen)
	}
	return nil
}

// DeriveKey derives a cryptocore.KeyLen-byte key from pw.
func (s *ScryptKDF) DeriveKey(pw []byte) ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	k, err := scrypt.Key(pw, s.Salt, s.N, s.R, s.P, s.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("keystore: scrypt: %w", err)
	}
	return k, nil
}

// Argon2idKDF derives keys with Argon2id.
type Argon2idKDF struct {
	Salt        []byte
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLen      uint32
}

// NewArgon2idKDF returns an Argon2idKDF with secure defaults and a fresh
// random salt.
func NewArgon2idKDF() Argon2idKDF {
	return Argon2idKDF{
		Salt:        cryptocore.RandBytes(cryptocore.KeyLen),
		Memory:      Argon2idDefaultMemory,
		Iterations:  Argon2idDefaultIterations,
		Parallelism: Argon2idDefaultParallelism,
		KeyLen:      cryptocore.KeyLen,
	}
}

func (a *Argon2idKDF) validate() error {
	if a.Memory < argon2idMinMemory {
		return fmt.Errorf("%w: memory %dKB below %dKB", ErrWeakParams, a.Memory, argon2idMinMemory)
	}
	if a.Iterations < argon2idMinIterations {
		return fmt.Errorf("%w: iterations %d below %d", ErrWeakParams, a.Iterations, argon2idMinIterations)
	}
	if a.Parallelism < argon2idMinParallelism {
		return fmt.Errorf("%w: parallelism %d below %d", ErrWeakParams, a.Parallelism, argon2idMinParallelism)
	}
	if len(a.Salt) < argon2idMinSaltLen {
		return fmt.Errorf("%w: salt length %d below %d", ErrWeakParams, len(a.Salt), argon2idMinSaltLen)
	}
	if a.KeyLen < cryptocore.KeyLen {
		return fmt.Errorf("%w: key length %d below %d", ErrWeakParams, a.KeyLen, cryptocore.KeyLen)
	}
	return nil
}

// DeriveKey derives a key from pw using Argon2id.
func (a *Argon2idKDF) DeriveKey(pw []byte) ([]byte, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(pw, a.Salt, a.Iterations, a.Memory, a.Parallelism, a.KeyLen), nil
}

// ErrNoKey is returned by Get when the requested index has never been
// registered.
var ErrNoKey = errors.New("keystore: no key registered at this index")

// ErrKeyExpired is returned by Get once a key has been explicitly expired.
var ErrKeyExpired = errors.New("keystore: key expired")

func init() {
	exitcodes.Register(ErrWeakParams, exitcodes.ScryptParams)
	exitcodes.Register(ErrNoKey, exitcodes.NoKey)
	exitcodes.Register(ErrKeyExpired, exitcodes.KeyExpired)
}

type entry struct {
	key     []byte
	expired *msync.Flag[struct{}]
}

// isExpired reports whether e's flag has fired, without blocking.
func (e *entry) isExpired() bool {
	select {
	case <-e.expired.Ready():
		return true
	default:
		return false
	}
}

// Store is an integer-indexed key cache with expiry: a long-running host
// process can register a key, hand its index out in a
// "crypto://...?key=N" URI, and later revoke it without needing to track
// down every open Stream.
type Store struct {
	mu      sync.Mutex
	entries []*entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Register copies key into the store and returns its index. The caller's
// slice is not retained; Store keeps its own copy so the caller remains
// free to wipe its own buffer immediately.
func (s *Store) Register(key []byte) (int, error) {
	if len(key) != cryptocore.KeyLen {
		return 0, cryptocore.ErrBadKeyLen
	}
	own := make([]byte, len(key))
	copy(own, key)
	memprotect.Default().LockMemory(own)

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{key: own, expired: msync.NewFlag[struct{}]()}
	s.entries = append(s.entries, e)
	idx := len(s.entries) - 1
	tlog.Debug.Printf("keystore: registered key at index %d", idx)
	return idx, nil
}

// Get returns the key at idx, or ErrNoKey / ErrKeyExpired.
func (s *Store) Get(idx int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.entries) || s.entries[idx] == nil {
		return nil, fmt.Errorf("%w: index %d", ErrNoKey, idx)
	}
	e := s.entries[idx]
	if e.isExpired() {
		return nil, fmt.Errorf("%w: index %d", ErrKeyExpired, idx)
	}
	return e.key, nil
}

// Expire marks the key at idx as expired and wipes it from memory; further
// Get calls for idx return ErrKeyExpired. It is idempotent.
func (s *Store) Expire(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.entries) || s.entries[idx] == nil {
		return
	}
	e := s.entries[idx]
	if e.isExpired() {
		return
	}
	e.expired.Set(struct{}{})
	mp := memprotect.Default()
	mp.SecureZero(e.key)
	mp.UnlockMemory(e.key)
	tlog.Debug.Printf("keystore: expired key at index %d", idx)
}

// Expired returns a channel that is closed once the key at idx transitions
// to expired, or nil if idx is not a registered index. Callers (e.g. a
// host-engine event loop) can select on it to notice revocation without
// polling Get.
func (s *Store) Expired(idx int) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.entries) || s.entries[idx] == nil {
		return nil
	}
	return s.entries[idx].expired.Ready()
}

// Equal reports whether two keys are identical, using a constant-time
// comparison to avoid leaking timing information about key material.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
