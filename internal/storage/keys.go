package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxSlugLen = 60

// timeNow is swapped in tests to pin the key date path.
var timeNow = time.Now

// Slugify normalizes an original filename for use in a storage key:
// lowercased, runs of non-alphanumerics collapsed to a single dash, clipped
// to 60 characters. An empty result becomes "unnamed".
func Slugify(filename string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(filename) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "unnamed"
	}
	return slug
}

// BuildKey assigns the storage key for a blob ingested at the given instant:
// u/{userId}/{yyyy}/{mm}/{dd}/{ulid}_{slug}. The ULID makes keys unique and
// lexicographically sortable by ingestion time.
func BuildKey(userID, filename string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("u/%s/%04d/%02d/%02d/%s_%s",
		userID, now.Year(), int(now.Month()), now.Day(), ulid.Make().String(), Slugify(filename))
}
