// Package filecrypt turns one plaintext file plus out-of-band metadata into
// a single self-describing ciphertext file and back, under a streaming AEAD.
//
// Ciphertext layout:
//
//	offset  size  field
//	0       4     metadata_size  (u32 LE)
//	4       4     chunk_size     (u32 LE)
//	8       8     plain_size     (u64 LE)
//	16      24    secretstream header
//	40      ?     frame: descriptor(16) || metadata(metadata_size)
//	...           body frames, each at most chunk_size plaintext bytes,
//	              the last tagged FINAL; none when plain_size == 0
//
// The 16-byte descriptor appears both in the clear and inside the first
// frame; the decryptor asserts equality, binding the cleartext sizes to the
// key. Writes are atomic: output goes to a uniquely named sibling and is
// linked into place only on success.
package filecrypt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dirvault/dirvault"
	"github.com/dirvault/dirvault/secretstream"
)

// DescriptorBytes is the size of the cleartext size descriptor.
const DescriptorBytes = 16

// DefaultChunkSize is the body frame granularity used by the directory
// layer.
const DefaultChunkSize = 4096

// Codec errors.
var (
	ErrKeySize          = errors.New("filecrypt: key must be 32 bytes")
	ErrChunkSize        = errors.New("filecrypt: chunk size must be positive")
	ErrMetadataTooLarge = errors.New("filecrypt: metadata does not fit a u32 length")
)

// Encrypt encodes plainFile with the given metadata into cryptFile. An
// empty plainFile encodes a pure-metadata entry (a directory placeholder or
// a sidecar record): the descriptor records plain_size 0 and no body frames
// are emitted.
func Encrypt(key []byte, plainFile, cryptFile string, metadata []byte, chunkSize uint32) (err error) {
	if len(key) != secretstream.KeyBytes {
		return ErrKeySize
	}
	if chunkSize == 0 {
		return ErrChunkSize
	}
	if int64(len(metadata)) >= 1<<32 {
		return ErrMetadataTooLarge
	}

	var plainSize uint64
	var plainFp *os.File
	if plainFile != "" {
		plainFp, err = os.Open(plainFile)
		if err != nil {
			return &dirvault.PathError{Op: "encrypt", Path: plainFile, Err: err}
		}
		defer plainFp.Close()
		st, err := plainFp.Stat()
		if err != nil {
			return &dirvault.PathError{Op: "encrypt", Path: plainFile, Err: err}
		}
		plainSize = uint64(st.Size())
	}

	tmp, err := os.CreateTemp(filepath.Dir(cryptFile), ".dirvault-*")
	if err != nil {
		return &dirvault.PathError{Op: "encrypt", Path: cryptFile, Err: err}
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	descriptor := make([]byte, DescriptorBytes)
	binary.LittleEndian.PutUint32(descriptor[0:4], uint32(len(metadata)))
	binary.LittleEndian.PutUint32(descriptor[4:8], chunkSize)
	binary.LittleEndian.PutUint64(descriptor[8:16], plainSize)
	if _, err := tmp.Write(descriptor); err != nil {
		return &dirvault.PathError{Op: "encrypt", Path: cryptFile, Err: err}
	}

	enc, header, err := secretstream.NewEncryptor(key)
	if err != nil {
		return fmt.Errorf("filecrypt: %w", err)
	}
	if _, err := tmp.Write(header); err != nil {
		return &dirvault.PathError{Op: "encrypt", Path: cryptFile, Err: err}
	}

	first := make([]byte, 0, DescriptorBytes+len(metadata))
	first = append(first, descriptor...)
	first = append(first, metadata...)
	if _, err := tmp.Write(enc.Push(first, secretstream.TagMessage)); err != nil {
		return &dirvault.PathError{Op: "encrypt", Path: cryptFile, Err: err}
	}

	if plainFp != nil {
		buf := make([]byte, chunkSize)
		remaining := plainSize
		for remaining > 0 {
			n := uint64(chunkSize)
			if remaining < n {
				n = remaining
			}
			if _, err := io.ReadFull(plainFp, buf[:n]); err != nil {
				return &dirvault.PathError{Op: "encrypt", Path: plainFile, Err: err}
			}
			tag := secretstream.TagMessage
			remaining -= n
			if remaining == 0 {
				tag = secretstream.TagFinal
			}
			if _, err := tmp.Write(enc.Push(buf[:n], tag)); err != nil {
				return &dirvault.PathError{Op: "encrypt", Path: cryptFile, Err: err}
			}
		}
	}

	if err := tmp.Close(); err != nil {
		return &dirvault.PathError{Op: "encrypt", Path: cryptFile, Err: err}
	}
	return linkInPlace(tmp.Name(), cryptFile)
}

// DecryptOptions select the decryption mode.
type DecryptOptions struct {
	// MetadataOnly returns the metadata without reading or writing any
	// body bytes.
	MetadataOnly bool

	// Verify, when set, is checked against the decoded metadata before
	// body streaming begins. A verification failure is an authenticity
	// error: the ciphertext is genuine but bound to something other than
	// what the caller asked for.
	Verify func(metadata []byte) error
}

// Decrypt decodes cryptFile, returning the bound metadata. In full mode the
// body is streamed into plainFile, atomically. Any authentication failure,
// descriptor mismatch, premature EOF or verification failure is fatal for
// the file; partial outputs are never visible.
func Decrypt(key []byte, cryptFile, plainFile string, opts DecryptOptions) ([]byte, error) {
	if len(key) != secretstream.KeyBytes {
		return nil, ErrKeySize
	}
	cryptFp, err := os.Open(cryptFile)
	if err != nil {
		return nil, &dirvault.PathError{Op: "decrypt", Path: cryptFile, Err: err}
	}
	defer cryptFp.Close()

	descriptor := make([]byte, DescriptorBytes)
	if _, err := io.ReadFull(cryptFp, descriptor); err != nil {
		return nil, corrupt(cryptFile, "truncated descriptor", err)
	}
	metadataSize := binary.LittleEndian.Uint32(descriptor[0:4])
	chunkSize := binary.LittleEndian.Uint32(descriptor[4:8])
	plainSize := binary.LittleEndian.Uint64(descriptor[8:16])
	if chunkSize == 0 && plainSize > 0 {
		return nil, corrupt(cryptFile, "zero chunk size", nil)
	}

	header := make([]byte, secretstream.HeaderBytes)
	if _, err := io.ReadFull(cryptFp, header); err != nil {
		return nil, corrupt(cryptFile, "truncated header", err)
	}
	dec, err := secretstream.NewDecryptor(key, header)
	if err != nil {
		return nil, corrupt(cryptFile, "bad stream header", err)
	}

	frame := make([]byte, DescriptorBytes+int(metadataSize)+secretstream.ABytes)
	if _, err := io.ReadFull(cryptFp, frame); err != nil {
		return nil, corrupt(cryptFile, "truncated metadata frame", err)
	}
	first, _, err := dec.Pull(frame)
	if err != nil {
		return nil, corrupt(cryptFile, "metadata frame rejected", err)
	}
	// Binds the cleartext sizes to the key: an attacker can rewrite the
	// clear descriptor but not the authenticated copy.
	for i := 0; i < DescriptorBytes; i++ {
		if first[i] != descriptor[i] {
			return nil, corrupt(cryptFile, "descriptor mismatch", nil)
		}
	}
	metadata := first[DescriptorBytes:]

	if opts.Verify != nil {
		if err := opts.Verify(metadata); err != nil {
			return nil, dirvault.NewAuthenticityError("metadata verification failed").
				WithOp("decrypt").WithPath(cryptFile).WithCause(err)
		}
	}
	if opts.MetadataOnly {
		return metadata, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(plainFile), ".dirvault-*")
	if err != nil {
		return nil, &dirvault.PathError{Op: "decrypt", Path: plainFile, Err: err}
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	buf := make([]byte, uint64(chunkSize)+secretstream.ABytes)
	remaining := plainSize
	for remaining > 0 {
		n := uint64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(cryptFp, buf[:n+secretstream.ABytes]); err != nil {
			return nil, corrupt(cryptFile, "truncated body frame", err)
		}
		plain, _, err := dec.Pull(buf[:n+secretstream.ABytes])
		if err != nil {
			return nil, corrupt(cryptFile, "body frame rejected", err)
		}
		if _, err := tmp.Write(plain); err != nil {
			return nil, &dirvault.PathError{Op: "decrypt", Path: plainFile, Err: err}
		}
		remaining -= n
	}

	if err := tmp.Close(); err != nil {
		return nil, &dirvault.PathError{Op: "decrypt", Path: plainFile, Err: err}
	}
	if err := linkInPlace(tmp.Name(), plainFile); err != nil {
		return nil, err
	}
	return metadata, nil
}

// linkInPlace makes tmp visible as dst: the previous dst, if any, is
// removed and tmp is hard-linked under the final name. The caller removes
// the temporary name afterwards.
func linkInPlace(tmp, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return &dirvault.PathError{Op: "replace", Path: dst, Err: err}
	}
	if err := os.Link(tmp, dst); err != nil {
		return &dirvault.PathError{Op: "replace", Path: dst, Err: err}
	}
	return nil
}

// corrupt classifies a decode failure as an authenticity error. Truncation
// and framing damage get the same treatment as a bad MAC: the file cannot
// be trusted, whatever the mechanism.
func corrupt(path, message string, cause error) error {
	e := dirvault.NewAuthenticityError(message).WithOp("decrypt").WithPath(path)
	if cause != nil {
		e = e.WithCause(fmt.Errorf("%w: %w", dirvault.ErrAuthenticity, cause))
	} else {
		e = e.WithCause(dirvault.ErrAuthenticity)
	}
	return e
}
