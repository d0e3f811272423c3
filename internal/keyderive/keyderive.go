// Package keyderive provides a concrete, documented stand-in for the
// MAK-to-TuringKey derivation the real container format uses. The actual
// algorithm is proprietary and unspecified; this package implements a
// deterministic function with the right signature and security shape
// (keyed MAC over the stream identity) so the rest of the pipeline has a
// real function value to call rather than a hardcoded key.
package keyderive

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/zsiec/tivodecrypt/internal/turing"
)

// Func is the derive_stream_key signature the container reader depends on
// (Header.BuildKeyTable), injected so a real derivation can be swapped in
// without touching that package.
type Func func(mak string, streamID uint8, nonce [16]byte) turing.Key

// Derive computes HMAC-SHA256(key=mak, message=streamID‖nonce) truncated to
// the 16 bytes turing.Key needs.
func Derive(mak string, streamID uint8, nonce [16]byte) turing.Key {
	mac := hmac.New(sha256.New, []byte(mak))
	mac.Write([]byte{streamID})
	mac.Write(nonce[:])
	sum := mac.Sum(nil)

	var key turing.Key
	copy(key[:], sum[:16])
	return key
}
