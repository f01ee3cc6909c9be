package dirvault

import (
	"bytes"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// Path is a logical path relative to a directory root: an ordered sequence
// of non-empty components. No component contains a 0x00 byte or is "." or
// "..". Equality and ordering are lexicographic over components.
type Path []string

// pathSep joins components in the canonical byte encoding. Components never
// contain 0x00, so the encoding is unambiguous.
const pathSep = 0x00

// ParsePath splits a slash-separated relative path into components and
// validates them.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, NewError(ErrCodeUsage, "empty path").WithCause(ErrUsage)
	}
	p := Path(strings.Split(s, "/"))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the component invariants.
func (p Path) Validate() error {
	if len(p) == 0 {
		return NewError(ErrCodeUsage, "empty path").WithCause(ErrUsage)
	}
	for _, part := range p {
		switch {
		case part == "":
			return NewError(ErrCodeUsage, "empty path component").WithCause(ErrUsage)
		case part == "." || part == "..":
			return NewError(ErrCodeUsage, "path component "+part+" not allowed").WithCause(ErrUsage)
		case strings.IndexByte(part, pathSep) >= 0:
			return NewError(ErrCodeUsage, "path component contains NUL").WithCause(ErrUsage)
		case strings.IndexByte(part, '/') >= 0:
			return NewError(ErrCodeUsage, "path component contains /").WithCause(ErrUsage)
		case !utf8.ValidString(part):
			return NewError(ErrCodeUsage, "path component is not valid UTF-8").WithCause(ErrUsage)
		}
	}
	return nil
}

// String renders the path with "/" separators. Components cannot contain
// "/", so the rendering is injective and usable as a map key.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Base returns the final component.
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Equal reports component-wise equality.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Compare orders paths lexicographically over components, so a directory
// sorts immediately before its children.
func (p Path) Compare(q Path) int {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], q[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// Encode produces the canonical byte representation: the UTF-8 components
// joined by single 0x00 bytes.
func (p Path) Encode() []byte {
	if len(p) == 0 {
		return nil
	}
	n := len(p) - 1
	for _, part := range p {
		n += len(part)
	}
	buf := make([]byte, 0, n)
	for i, part := range p {
		if i > 0 {
			buf = append(buf, pathSep)
		}
		buf = append(buf, part...)
	}
	return buf
}

// DecodePath rebuilds a Path from its canonical encoding. It is the inverse
// of Encode for all valid encodings.
func DecodePath(code []byte) (Path, error) {
	parts := bytes.Split(code, []byte{pathSep})
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		p = append(p, string(part))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// HashPath maps a logical path to its on-disk shard location inside an
// encrypted tree: the lowercase hex of a keyed BLAKE2b-256 hash of the path
// encoding, split into components of length 2, 2, and 60. The result is a
// deterministic function of (key, path); without the key the layout of the
// tree reveals nothing about the logical paths.
func HashPath(key []byte, p Path) (Path, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, NewError(ErrCodeInternal, "blake2b init").WithCause(err)
	}
	h.Write(p.Encode())
	sum := hex.EncodeToString(h.Sum(nil))
	return Path{sum[0:2], sum[2:4], sum[4:]}, nil
}
