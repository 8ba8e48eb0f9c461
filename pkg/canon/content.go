package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
)

// HashFile returns the SHA-256 hex digest of raw byte content. This is the
// single definition used everywhere a "file hash" is required (manifest
// component hashes, file-write driver's previousHash, HTTP response hashes).
//
// Some related systems compute this kind of hash over a base64 encoding of
// the bytes in one code path and over the raw bytes in another; this always
// hashes raw bytes, and callers must not introduce a base64 detour.
func HashFile(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// dirHashPrefix is the literal prefix hashed before any directory entries.
const dirHashPrefix = "dir\n"

// HashDir computes the directory hash of a set of relative-path -> content
// mappings: SHA-256 over "dir\n" followed by, for each file in lexicographic
// relative-path order, "<relpath>\n<hex-file-hash>\n".
func HashDir(files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte(dirHashPrefix))
	for _, p := range paths {
		fileHash := HashFile(files[p])
		fmt.Fprintf(h, "%s\n%s\n", p, fileHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashDirFS walks root and computes the same directory hash as HashDir,
// reading file contents from disk rather than an in-memory map.
func HashDirFS(fsys fs.FS, root string) (string, error) {
	files := make(map[string][]byte)
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return "", err
	}
	return HashDir(files), nil
}

// componentOrder is the fixed order in which bundle components participate
// in the whole-bundle hash.
var componentOrder = []string{"env", "clock", "network", "fsDiff", "logs", "prompts", "intents"}

// ComponentOrder returns a copy of the fixed component ordering.
func ComponentOrder() []string {
	out := make([]string, len(componentOrder))
	copy(out, componentOrder)
	return out
}

// BundleHash computes SHA-256 over canonical(manifest) followed by, for each
// component in the fixed order, "<component>:<hex-hash>\n".
//
// manifest should be the manifest value with its own Hashes field already
// populated (or omitted) as appropriate — BundleHash canonicalizes whatever
// is passed in verbatim.
func BundleHash(manifest interface{}, componentHashes map[string]string) (string, error) {
	canonicalManifest, err := JSON(manifest)
	if err != nil {
		return "", fmt.Errorf("canon: manifest canonicalization failed: %w", err)
	}

	h := sha256.New()
	h.Write(canonicalManifest)
	for _, comp := range componentOrder {
		hash, ok := componentHashes[comp]
		if !ok {
			return "", fmt.Errorf("canon: missing hash for component %q", comp)
		}
		fmt.Fprintf(h, "%s:%s\n", comp, hash)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LooksBinary applies the "first 1000 bytes contain NUL => binary"
// heuristic used to decide whether a filesystem-diff entry is stored as
// text or as an opaque blob. It is intentionally untested at edge cases
// beyond this rule; do not "improve" it without understanding why 1000
// bytes and NUL were chosen as the cutoff.
func LooksBinary(data []byte) bool {
	n := len(data)
	if n > 1000 {
		n = 1000
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}
