// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/slog"
)

const auditFilename = "audit.log"

// auditRecord is one append-only line in the audit log. Records are never
// rewritten; the file is the daemon's authoritative trail of who tried to
// authenticate, with which pinned key, and how it went.
type auditRecord struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	UID        uint32    `json:"uid"`
	PID        uint32    `json:"pid,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	KeyID      string    `json:"keyId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type auditLog struct {
	mtx sync.Mutex
	f   *os.File
	log slog.Logger
}

func newAuditLog(root string, log slog.Logger) (*auditLog, error) {
	f, err := os.OpenFile(filepath.Join(root, auditFilename),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &auditLog{f: f, log: log}, nil
}

// record appends one audit line. A write failure is logged but does not
// fail the authentication path; refusing service because the audit disk
// is full would hand an attacker a denial lever.
func (a *auditLog) record(rec auditRecord) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		a.log.Errorf("audit: marshal: %v", err)
		return
	}
	line = append(line, '\n')
	if _, err := a.f.Write(line); err != nil {
		a.log.Errorf("audit: write: %v", err)
	}
}

func (a *auditLog) close() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.f.Close()
}
