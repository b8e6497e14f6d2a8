// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/privgate/privgate/internal/assert"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "privgated.conf")
	assert.NilErr(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConf(t, `
root = /tmp/pgtest
runtimedir = /tmp/pgrun
inittimeout = 5s

[log]
logfile = /tmp/pg.log
debuglevel = debug,AUTH=trace
prometheus = 127.0.0.1:9200

[policy]
challengetimeout = 10s
sessiontimeout = 2m
sweepinterval = 15s
allowedexecutables = myapp, helper
socketmode = 0660
`)

	s := New()
	assert.NilErr(t, s.Load(path))

	assert.DeepEqual(t, s.Root, "/tmp/pgtest")
	assert.DeepEqual(t, s.RuntimeDir, "/tmp/pgrun")
	assert.DeepEqual(t, s.InitTimeout, 5*time.Second)
	assert.DeepEqual(t, s.LogFile, "/tmp/pg.log")
	assert.DeepEqual(t, s.DebugLevel, "debug,AUTH=trace")
	assert.DeepEqual(t, s.PromAddr, "127.0.0.1:9200")
	assert.DeepEqual(t, s.ChallengeTimeout, 10*time.Second)
	assert.DeepEqual(t, s.SessionTimeout, 2*time.Minute)
	assert.DeepEqual(t, s.SweepInterval, 15*time.Second)
	assert.DeepEqual(t, s.AllowedExecs, []string{"myapp", "helper"})
	assert.DeepEqual(t, s.SocketMode, os.FileMode(0660))
	assert.DeepEqual(t, s.SocketPath(), "/tmp/pgrun/"+PGSocketFilename)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConf(t, "")
	s := New()
	assert.NilErr(t, s.Load(path))
	assert.DeepEqual(t, s.ChallengeTimeout, 30*time.Second)
	assert.DeepEqual(t, s.SessionTimeout, 10*time.Minute)
	if len(s.AllowedExecs) != 0 {
		t.Fatalf("unexpected allow-list %v", s.AllowedExecs)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	s := New()
	err := s.Load(writeConf(t, "[policy]\nsessiontimeout = 100ms\n"))
	assert.NonNilErr(t, err)

	s = New()
	err = s.Load(writeConf(t, "[policy]\nchallengetimeout = soon\n"))
	assert.NonNilErr(t, err)

	s = New()
	err = s.Load(writeConf(t, "[policy]\nsocketmode = rwxrwx\n"))
	assert.NonNilErr(t, err)
}
