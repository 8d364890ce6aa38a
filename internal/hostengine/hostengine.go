// Package hostengine adapts a Stream to the open/read/seek/size/close
// stream-callback shape a host media engine expects, over a "crypto://"
// URI that names a container path plus a key index. A real libmpv or
// similar host registers these as FFI callbacks; here they are a plain Go
// struct with the same five operations, so wiring it to a specific host
// engine's FFI is a thin final step left outside this package.
package hostengine

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"sync"

	"github.com/zqbxx/evcrypt/internal/keystore"
	"github.com/zqbxx/evcrypt/internal/stream"
	"github.com/zqbxx/evcrypt/internal/tlog"
)

// Scheme is the URI scheme this package handles.
const Scheme = "crypto"

// Handle is one open stream registered with a host engine, keyed by the
// URI that opened it. Stream is nil for a credential-tier failure (no key,
// or key expired before Open ran): the open callback must not fail, so such
// a Handle behaves as an empty stream (Size 0, Read always empty) and the
// real cause is reported through Events instead.
type Handle struct {
	URI    string
	Stream *stream.Stream
	keyIdx int
}

// Engine tracks open Handles and the key Store they authenticate against.
// One Engine typically lives for the lifetime of a single host player
// instance.
type Engine struct {
	keys *keystore.Store

	mu    sync.Mutex
	open  map[string]*Handle
	events chan Event
}

// EventKind distinguishes the reasons a stream might need the host
// engine's attention outside of a normal read/seek/close call.
type EventKind int

const (
	// EventNoKey fires when Open was called for an index that has never
	// been registered; the returned Handle is an empty stream.
	EventNoKey EventKind = iota
	// EventKeyExpired fires when a key backing an open stream was
	// expired out from under it; the host engine should treat the
	// stream as failed.
	EventKeyExpired
)

// Event is delivered on Engine.Events() for out-of-band notifications.
type Event struct {
	Kind EventKind
	URI  string
}

// New returns an Engine backed by keys.
func New(keys *keystore.Store) *Engine {
	return &Engine{
		keys:   keys,
		open:   make(map[string]*Handle),
		events: make(chan Event, 8),
	}
}

// Events returns the channel Event values are delivered on. The channel is
// never closed.
func (e *Engine) Events() <-chan Event { return e.events }

// ParseURI splits a "crypto://" URI into its container path and key index:
// strip a leading "/" from the path on Windows (a "crypto:///C:/foo.ev"
// URI parses to path "/C:/foo.ev"), and read the key index from the "key"
// query parameter, defaulting to 0 when absent.
func ParseURI(uri string) (path string, keyIndex int, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, fmt.Errorf("hostengine: parse uri: %w", err)
	}
	if u.Scheme != Scheme {
		return "", 0, fmt.Errorf("hostengine: unexpected scheme %q", u.Scheme)
	}
	path = u.Path
	if runtime.GOOS == "windows" && len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	keyIndex = 0
	if v := u.Query().Get("key"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", 0, fmt.Errorf("hostengine: bad key index %q: %w", v, err)
		}
		keyIndex = n
	}
	return path, keyIndex, nil
}

// Open resolves uri, opens the underlying Stream and registers the Handle
// under uri so Read/Seek/Size/Close can find it again by the same string
// the host engine will keep passing back. A missing or expired key is a
// credential-tier condition, not an open-time failure: Open still returns a
// valid (empty) Handle and reports the real cause on Events, since the host
// engine's open callback must not fail.
func (e *Engine) Open(uri string) (*Handle, error) {
	path, keyIdx, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	key, err := e.keys.Get(keyIdx)
	if err != nil {
		kind := EventNoKey
		if errors.Is(err, keystore.ErrKeyExpired) {
			kind = EventKeyExpired
		}
		h := &Handle{URI: uri, Stream: nil, keyIdx: keyIdx}
		e.mu.Lock()
		e.open[uri] = h
		e.mu.Unlock()
		e.emit(Event{Kind: kind, URI: uri})
		tlog.Warn.Printf("hostengine: %s (key index %d): %v", path, keyIdx, err)
		return h, nil
	}

	st, err := stream.Open(path, key)
	if err != nil {
		return nil, err
	}

	h := &Handle{URI: uri, Stream: st, keyIdx: keyIdx}
	e.mu.Lock()
	e.open[uri] = h
	e.mu.Unlock()

	go e.watchExpiry(h)

	tlog.Info.Printf("hostengine: opened %s (key index %d)", path, keyIdx)
	return h, nil
}

// emit delivers evt on Events without blocking if no one is listening.
func (e *Engine) emit(evt Event) {
	select {
	case e.events <- evt:
	default:
	}
}

// watchExpiry waits for the handle's key to expire and then emits an Event
// if the handle is still open. Closing the handle does not stop it: it
// returns only once the key expires (or at once if the key index is not
// registered).
func (e *Engine) watchExpiry(h *Handle) {
	ch := e.keys.Expired(h.keyIdx)
	if ch == nil {
		return
	}
	<-ch
	e.mu.Lock()
	_, stillOpen := e.open[h.URI]
	e.mu.Unlock()
	if stillOpen {
		e.emit(Event{Kind: EventKeyExpired, URI: h.URI})
	}
}

// Read implements the host engine's "read" callback. A Handle with no
// backing Stream (a credential-tier open) always reads as empty.
func (e *Engine) Read(h *Handle, length int) ([]byte, error) {
	if h.Stream == nil {
		return nil, nil
	}
	return h.Stream.Read(length)
}

// Seek implements the host engine's "seek" callback. A Handle with no
// backing Stream has nothing to seek within and stays at 0.
func (e *Engine) Seek(h *Handle, pos int64) (int64, error) {
	if h.Stream == nil {
		return 0, nil
	}
	return h.Stream.Seek(pos)
}

// Size implements the host engine's "size" callback.
func (e *Engine) Size(h *Handle) int64 {
	if h.Stream == nil {
		return 0
	}
	return h.Stream.Size()
}

// Close implements the host engine's "close" callback: it closes the
// underlying Stream, if any, and forgets the Handle.
func (e *Engine) Close(h *Handle) error {
	e.mu.Lock()
	delete(e.open, h.URI)
	e.mu.Unlock()
	if h.Stream == nil {
		return nil
	}
	return h.Stream.Close()
}
