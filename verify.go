package dirvault

import (
	"os"
	"path/filepath"
)

// VerifyResult is the outcome of a content check between the two sides.
type VerifyResult struct {
	// Diff is the structural comparison, local side as source.
	Diff *Diff

	// Mismatched are common regular files whose content digests differ.
	Mismatched []Path

	// Errored are common regular files that could not be digested; each
	// Record carries the path and the error.
	Errored []Record

	// Checked counts the file pairs actually digested.
	Checked int
}

// Clean reports whether the trees were found structurally and bytewise
// identical.
func (r *VerifyResult) Clean() bool {
	return r.Diff.Empty() && len(r.Mismatched) == 0 && len(r.Errored) == 0
}

// Verify compares the two trees without mutating either: the structural
// diff, plus a content digest over every regular file present on both
// sides. Encrypted remote files are decrypted into a scratch directory to
// be digested, which also exercises their authentication tags end to end.
func (s *Syncer) Verify(algorithm ChecksumAlgorithm) (*VerifyResult, error) {
	diff, err := s.Compare(Push)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{Diff: diff}

	var scratch string
	if s.remote.DirType() != DirTypePlain {
		scratch, err = os.MkdirTemp("", "dirvault-verify-*")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(scratch)
	}

	remoteInc := s.remote.Included()
	for key, lm := range s.local.Included() {
		rm, ok := remoteInc[key]
		if !ok || lm.Type() != TypeFile || rm.Type() != TypeFile {
			continue
		}
		p := lm.Path

		localDigest, err := ChecksumFile(filepath.Join(s.local.Root(), filepath.FromSlash(key)), algorithm)
		if err != nil {
			result.Errored = append(result.Errored, Record{Action: ActionCheck, Path: p, Err: err})
			continue
		}

		var remoteDigest string
		if s.remote.DirType() == DirTypePlain {
			remoteDigest, err = ChecksumFile(filepath.Join(s.remote.Root(), filepath.FromSlash(key)), algorithm)
		} else {
			tmp := filepath.Join(scratch, "pull")
			err = s.remote.PullFile(p, tmp)
			if err == nil {
				remoteDigest, err = ChecksumFile(tmp, algorithm)
				os.Remove(tmp)
			}
		}
		if err != nil {
			if IsAuthenticity(err) {
				return nil, err
			}
			result.Errored = append(result.Errored, Record{Action: ActionCheck, Path: p, Err: err})
			continue
		}

		result.Checked++
		if localDigest != remoteDigest {
			result.Mismatched = append(result.Mismatched, p)
		}
	}
	result.Mismatched = sortedPaths(result.Mismatched)
	return result, nil
}
