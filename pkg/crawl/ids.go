package crawl

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

// MakeID hashes the given parts into an entity id prefixed with the dataset.
// Empty parts are ignored; with no non-empty parts it returns "".
func (c *Context) MakeID(parts ...string) string {
	h := sha1.New()
	n := 0
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h.Write([]byte(part))
		h.Write([]byte{0})
		n++
	}
	if n == 0 {
		return ""
	}
	return c.cfg.Dataset + "-" + hex.EncodeToString(h.Sum(nil))
}

// MakeSlug builds a readable entity id from the parts, prefixed with the
// dataset. It returns "" when nothing slug-worthy remains.
func (c *Context) MakeSlug(parts ...string) string {
	slug := Slugify(strings.Join(parts, " "))
	if slug == "" {
		return ""
	}
	return c.cfg.Dataset + "-" + slug
}

// Slugify lowercases s and collapses every run of characters other than
// letters and digits into a single dash.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
