// Package dirvault synchronizes a local plaintext directory tree with a
// remote directory tree that may be stored encrypted at rest, in either
// direction.
//
// A remote encrypted tree never reveals its layout: every logical path is
// hashed into a fixed three-level shard tree under a master key, and each
// ciphertext file carries its own metadata (mode, timestamps, logical path)
// bound inside an authenticated stream. An optional metadata sidecar mirrors
// the shard tree with content-free ciphertexts so later enumerations need
// not decrypt every file.
//
// The package is organized around a single capability, [Dir], with a
// plaintext implementation (driver/plain) and an encrypted one
// (driver/crypt). The [Syncer] compares two Dir instances and drives a
// minimal set of add/copy/remove operations through them. Drivers register
// themselves with [RegisterDriver] and are selected by the per-directory
// config file:
//
//	import (
//	    "github.com/dirvault/dirvault"
//	    _ "github.com/dirvault/dirvault/driver/crypt"
//	    _ "github.com/dirvault/dirvault/driver/plain"
//	)
//
//	local, _ := dirvault.OpenDir(localRoot, opts)
//	remote, _ := dirvault.OpenDir(remoteRoot, opts)
//	syncer, _ := dirvault.NewSyncer(logger, local, remote, dirvault.SyncOptions{})
//	report, _ := syncer.Sync(dirvault.Push)
package dirvault
