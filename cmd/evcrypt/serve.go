package main

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/hostengine"
	"github.com/zqbxx/evcrypt/internal/keystore"
)

// newServeCmd exposes one container over HTTP with byte-range support, a
// stand-in for a host media engine's read/seek/size stream callbacks when
// the host happens to be something that speaks HTTP (e.g. a browser-based
// player) rather than linking this library directly.
func newServeCmd() *cobra.Command {
	var (
		keyHex string
		addr   string
	)

	cmd := &cobra.Command{
		Use:   "serve <container>",
		Short: "Serve a container's decrypted content over HTTP with range support",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(keyHex)
			if err != nil || len(key) != cryptocore.KeyLen {
				return fatalf("--key must be %d hex-encoded bytes", cryptocore.KeyLen)
			}

			keys := keystore.New()
			idx, err := keys.Register(key)
			if err != nil {
				return err
			}
			engine := hostengine.New(keys)

			uri := "crypto://" + args[0] + "?key=" + strconv.Itoa(idx)
			handle, err := engine.Open(uri)
			if err != nil {
				return err
			}
			defer engine.Close(handle)

			http.HandleFunc("/", rangeHandler(engine, handle))
			log.Info().Str("addr", addr).Str("container", args[0]).Msg("serving decrypted content")
			return http.ListenAndServe(addr, nil)
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte key")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "address to listen on")
	return cmd
}

func rangeHandler(engine *hostengine.Engine, h *hostengine.Handle) http.HandlerFunc {
	// Requests are served concurrently, but the handle's Stream is not safe
	// for concurrent use, so each seek+read pair runs under mu.
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		size := engine.Size(h)
		start, length := parseRange(r.Header.Get("Range"), size)

		mu.Lock()
		if _, err := engine.Seek(h, start); err != nil {
			mu.Unlock()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		buf, err := engine.Read(h, int(length))
		mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(buf)
	}
}

// parseRange returns (start, length) for a simple "bytes=N-" or
// "bytes=N-M" Range header, defaulting to the whole file when absent or
// malformed.
func parseRange(header string, size int64) (int64, int64) {
	if header == "" {
		return 0, size
	}
	const prefix = "bytes="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return 0, size
	}
	spec := header[len(prefix):]
	dash := -1
	for i, c := range spec {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return 0, size
	}
	start, err := strconv.ParseInt(spec[:dash], 10, 64)
	if err != nil {
		return 0, size
	}
	end := size - 1
	if dash+1 < len(spec) {
		if e, err := strconv.ParseInt(spec[dash+1:], 10, 64); err == nil {
			end = e
		}
	}
	if start < 0 || start > end || end >= size {
		return 0, size
	}
	return start, end - start + 1
}
