package sendqueue

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// Fingerprint hashes the user-visible parts of c. The server trims text, so
// the fingerprint does too; two contents that render the same collide on purpose.
func Fingerprint(c v1.Content) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(c.Kind)))
	field := func(s string) {
		b.WriteByte(0)
		b.WriteString(s)
	}
	field(strings.TrimSpace(c.Text))
	field(strings.TrimSpace(c.URL))
	if c.Latitude != nil {
		field(strconv.FormatFloat(*c.Latitude, 'f', 6, 64))
	}
	if c.Longitude != nil {
		field(strconv.FormatFloat(*c.Longitude, 'f', 6, 64))
	}
	field(strings.TrimSpace(c.Label))
	field(strconv.Itoa(c.DurationSeconds))

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
