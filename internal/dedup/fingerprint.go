package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

// Fingerprint returns the 16 hex character identity of a point: its
// measurement, sorted tag pairs, unix timestamp, and sorted field pairs,
// SHA-256 hashed and truncated to 64 bits.
func Fingerprint(p domain.Point) string {
	var b strings.Builder
	b.WriteString(p.Measurement)
	b.WriteByte('|')

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for i, k := range tagKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Tags[k])
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(p.Time.UTC().UnixNano(), 10))
	b.WriteByte('|')

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", k, p.Fields[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
