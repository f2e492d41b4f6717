package client

import (
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"
)

// VerifyChecksum returns a post-processor that hashes the response body
// with h and compares it with the hex-encoded expected sum. On mismatch
// the result is kept and the response carries an
// [ErrPostProcessorFailed] condition wrapping [ErrChecksumMismatch].
//
// The returned hook resets h before use and may be shared by requests.
func VerifyChecksum(h hash.Hash, expected string) PostProcessorFunc {
	var mu sync.Mutex
	expected = strings.ToLower(expected)

	return func(resp *Response, result any) (any, error) {
		mu.Lock()
		defer mu.Unlock()

		h.Reset()
		h.Write(resp.Body)

		actual := hex.EncodeToString(h.Sum(nil))
		if actual != expected {
			return result, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
		}

		return result, nil
	}
}

// Chain runs post-processors in order, each receiving the result of the
// previous one. It stops at the first error.
func Chain(fns ...PostProcessorFunc) PostProcessorFunc {
	return func(resp *Response, result any) (any, error) {
		for _, fn := range fns {
			if fn == nil {
				continue
			}

			var err error
			if result, err = fn(resp, result); err != nil {
				return result, err
			}
		}

		return result, nil
	}
}
