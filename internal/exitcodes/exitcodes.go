// Package exitcodes defines the process exit codes used by cmd/evcrypt.
package exitcodes

import "errors"

const (
	// Success means everything worked.
	Success = 0
	// Usage means the command line could not be parsed.
	Usage = 1
	// ScryptParams means the configured KDF parameters are below the
	// hardcoded security minimum.
	ScryptParams = 6
	// NotEncrypted means the input file is not a valid container.
	NotEncrypted = 23
	// HeaderCorrupt means the container header failed validation.
	HeaderCorrupt = 24
	// NoKey means no current key was available from the key store.
	NoKey = 25
	// KeyExpired means the current key was present but expired.
	KeyExpired = 26
	// CryptoError means an encrypt/decrypt operation failed.
	CryptoError = 27
	// IoError means a filesystem operation failed.
	IoError = 28
)

// Err2Exit maps err to its exit code by walking the registered sentinels
// with errors.Is (err is usually a wrapped "context: %w" error, not the
// bare sentinel), falling back to Usage for anything unrecognized.
func Err2Exit(err error) int {
	for _, e := range order {
		if errors.Is(err, e) {
			return registry[e]
		}
	}
	return Usage
}

var (
	registry = map[error]int{}
	order    []error
)

// Register associates an error sentinel with an exit code. Called from
// package init in the packages that define the sentinels, to avoid an
// import cycle between exitcodes and the error-defining packages.
func Register(err error, code int) {
	if _, dup := registry[err]; !dup {
		order = append(order, err)
	}
	registry[err] = code
}
