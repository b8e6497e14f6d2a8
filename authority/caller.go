// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
)

// CallerVerifier confirms that the process claiming a uid/pid pair is the
// binary it is expected to be. A failure means the claimed identity could
// be a spoof and the attempt must be refused.
type CallerVerifier interface {
	VerifyCaller(uid, pid uint32) error
}

// procfsVerifier checks the claimed pid against /proc: the process must
// exist, run as the claimed uid and, when an allow list is configured,
// its executable basename must be on it.
type procfsVerifier struct {
	fs      procfs.FS
	allowed map[string]struct{}
}

// NewProcfsVerifier returns a CallerVerifier backed by the mounted procfs.
// allowedExecutables holds executable basenames permitted to authenticate;
// an empty list allows any binary (uid check only).
func NewProcfsVerifier(allowedExecutables []string) (CallerVerifier, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("procfs unavailable: %w", err)
	}
	var allowed map[string]struct{}
	if len(allowedExecutables) > 0 {
		allowed = make(map[string]struct{}, len(allowedExecutables))
		for _, name := range allowedExecutables {
			allowed[name] = struct{}{}
		}
	}
	return &procfsVerifier{fs: fs, allowed: allowed}, nil
}

func (v *procfsVerifier) VerifyCaller(uid, pid uint32) error {
	proc, err := v.fs.Proc(int(pid))
	if err != nil {
		return fmt.Errorf("pid %d not found: %w", pid, err)
	}
	status, err := proc.NewStatus()
	if err != nil {
		return fmt.Errorf("pid %d status unreadable: %w", pid, err)
	}
	// procfs reports the status uids as strings; the first is the real
	// uid.
	ruid, err := strconv.ParseUint(status.UIDs[0], 10, 32)
	if err != nil {
		return fmt.Errorf("pid %d uid %q unparseable: %w",
			pid, status.UIDs[0], err)
	}
	if uint32(ruid) != uid {
		return fmt.Errorf("pid %d runs as uid %d, caller claimed %d",
			pid, ruid, uid)
	}
	if v.allowed != nil {
		exe, err := proc.Executable()
		if err != nil {
			return fmt.Errorf("pid %d executable unreadable: %w", pid, err)
		}
		if _, ok := v.allowed[filepath.Base(exe)]; !ok {
			return fmt.Errorf("executable %q not allowed", filepath.Base(exe))
		}
	}
	return nil
}

// nullVerifier accepts every caller. Used in tests and on systems without
// a usable procfs.
type nullVerifier struct{}

// NewNullVerifier returns a CallerVerifier that accepts everything.
func NewNullVerifier() CallerVerifier { return nullVerifier{} }

func (nullVerifier) VerifyCaller(uid, pid uint32) error { return nil }
