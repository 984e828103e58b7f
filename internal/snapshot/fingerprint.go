package snapshot

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Fingerprint computes a stable hash over the shape of a normalized page.
// Category codes, category URLs, and element signatures are folded in sorted
// order so map iteration and input ordering cannot change the result. Volatile
// page content (prices, stock counts) is already absent from NormalizedPage.
func Fingerprint(page monitor.NormalizedPage) string {
	h := xxhash.New()

	codes := append([]string(nil), page.CategoryCodes...)
	sort.Strings(codes)
	for _, code := range codes {
		_, _ = h.WriteString("c\x00")
		_, _ = h.WriteString(code)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(page.CategoryURLs[code])
		_, _ = h.WriteString("\x1e")
	}

	sigKeys := make([]string, 0, len(page.ElementSignatures))
	for k := range page.ElementSignatures {
		sigKeys = append(sigKeys, k)
	}
	sort.Strings(sigKeys)
	for _, k := range sigKeys {
		_, _ = h.WriteString("e\x00")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(page.ElementSignatures[k])
		_, _ = h.WriteString("\x1e")
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
