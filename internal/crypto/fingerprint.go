package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	fingerprintBytes = 10
	fingerprintGroup = 4
)

// Fingerprint returns a short digest of a public key for out-of-band
// comparison: SHA-256 truncated to 10 bytes, hex in space-separated groups
// of four ("1a2b 3c4d ...").
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	h := hex.EncodeToString(sum[:fingerprintBytes])

	var b strings.Builder
	for i := 0; i < len(h); i += fingerprintGroup {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(h[i : i+fingerprintGroup])
	}
	return b.String()
}
