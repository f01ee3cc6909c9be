package filecrypt

import (
	"encoding/binary"

	"github.com/dirvault/dirvault"
)

// Metadata wire form, bound inside the first AEAD frame of every
// ciphertext file:
//
//	offset  size  field
//	0       4     mode   (u32 LE)
//	4       8     mtime  (u64 LE, nanoseconds)
//	12      8     ctime  (u64 LE, nanoseconds)
//	20      ...   path: UTF-8 components joined by 0x00
const metaFixedBytes = 20

// MarshalMeta serializes entry metadata to its wire form.
func MarshalMeta(m dirvault.Meta) []byte {
	path := m.Path.Encode()
	buf := make([]byte, metaFixedBytes+len(path))
	binary.LittleEndian.PutUint32(buf[0:4], m.Mode)
	binary.LittleEndian.PutUint64(buf[4:12], m.Mtime)
	binary.LittleEndian.PutUint64(buf[12:20], m.Ctime)
	copy(buf[metaFixedBytes:], path)
	return buf
}

// UnmarshalMeta parses the wire form back into entry metadata. A short
// buffer or an invalid path encoding fails as an authenticity error: the
// bytes passed AEAD verification, so a malformed body means the file was
// produced by something other than this codec.
func UnmarshalMeta(b []byte) (dirvault.Meta, error) {
	if len(b) < metaFixedBytes {
		return dirvault.Meta{}, dirvault.NewAuthenticityError("metadata truncated").
			WithCause(dirvault.ErrAuthenticity)
	}
	path, err := dirvault.DecodePath(b[metaFixedBytes:])
	if err != nil {
		return dirvault.Meta{}, dirvault.NewAuthenticityError("metadata carries invalid path").
			WithCause(dirvault.ErrAuthenticity)
	}
	return dirvault.Meta{
		Mode:  binary.LittleEndian.Uint32(b[0:4]),
		Mtime: binary.LittleEndian.Uint64(b[4:12]),
		Ctime: binary.LittleEndian.Uint64(b[12:20]),
		Path:  path,
	}, nil
}
