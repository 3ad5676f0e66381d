// Package cachekey derives stable cache keys from request payload identity.
// Keys are deterministic across processes so that a reload hits the same
// cached entries; the hash is non-cryptographic (xxhash64) since keys only
// need to be collision-unlikely across the catalog/question key space.
package cachekey

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ImageID identifies an image by its file metadata. Two logically equal
// uploads (same name, size and modification time) produce the same key.
type ImageID struct {
	Name    string
	Size    int64
	ModTime int64 // unix milliseconds
}

func (id ImageID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.Name, id.Size, id.ModTime)
}

// Sum hashes the given parts into a 16-hex-digit key. Parts are
// length-prefixed so that ("ab","c") and ("a","bc") hash differently.
func Sum(parts ...string) string {
	h := xxhash.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.WriteString(p)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// ForImages builds the classification request key for a set of uploaded
// images. Order-insensitive: the same images attached in a different order
// yield the same key.
func ForImages(images []ImageID) string {
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.String()
	}
	sort.Strings(ids)
	return Sum(ids...)
}

// ForQuestion builds the Q&A request key from the selected label (may be
// empty for unscoped questions) and the question text. Surrounding
// whitespace in the question is not significant.
func ForQuestion(label, question string) string {
	return Sum(label, strings.TrimSpace(question))
}

// ForCatalog returns the key under which the full plant catalog is cached.
func ForCatalog() string {
	return Sum("catalog", "all")
}
