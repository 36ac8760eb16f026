package storage

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Slugify(t *testing.T) {
	assert.Equal(t, "my-photo-1-png", Slugify("My Photo (1).PNG"))
	assert.Equal(t, "unnamed", Slugify(""))
	assert.Equal(t, "unnamed", Slugify("???"))
	assert.Equal(t, "a-b", Slugify("--a__b--"))

	long := Slugify(strings.Repeat("a", 100))
	assert.Len(t, long, 60)
}

func Test_BuildKey(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	key := BuildKey("0b6a9f1e-14c3-4af8-9d2f-3a2e1b6a9f1e", "Sunset Photo.jpg", now)

	pattern := regexp.MustCompile(`^u/[0-9a-f-]{36}/2026/02/03/[0-9A-HJKMNP-TV-Z]{26}_sunset-photo-jpg$`)
	assert.Regexp(t, pattern, key)
}

func Test_BuildKey_unique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := BuildKey("user", "same.png", now)
		assert.False(t, seen[key])
		seen[key] = true
	}
}
