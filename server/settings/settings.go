// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	// PGSocketFilename is the daemon socket created under the runtime
	// directory.
	PGSocketFilename = "privgated.sock"
)

// Settings is the collection of all privgated settings. This is separated
// out in order to be able to reuse in various tests.
type Settings struct {
	// default section
	Root        string        // root directory for privgated state
	RuntimeDir  string        // directory holding the listen socket
	InitTimeout time.Duration // how long a connection may stay unauthenticated

	// policy section
	ChallengeTimeout time.Duration // challenge validity window
	SessionTimeout   time.Duration // session inactivity timeout
	SweepInterval    time.Duration // expired state sweep cadence
	AllowedExecs     []string      // caller executable allow-list, empty allows any
	SocketMode       os.FileMode   // permission bits on the listen socket

	// log section
	LogFile    string // log filename
	DebugLevel string // debug level config string
	TimeFormat string // debug file time stamp format
	Profiler   string // go profiler link
	PromAddr   string // prometheus listen address, empty disables

	// Versioner is a function that returns the current app version.
	Versioner func() string

	// LogStdOut is the stdout to write the log to. Defaults to os.Stdout.
	LogStdOut io.Writer
}

var errIniNotFound = errors.New("not found")

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		// default
		Root:        "/var/lib/privgate",
		RuntimeDir:  "/run/privgate",
		InitTimeout: time.Second * 20,

		// policy
		ChallengeTimeout: time.Second * 30,
		SessionTimeout:   time.Minute * 10,
		SweepInterval:    time.Second * 30,
		SocketMode:       0666,

		// log
		LogFile:    "/var/log/privgate/privgated.log",
		DebugLevel: "info",
		TimeFormat: "2006-01-02 15:04:05",
		Profiler:   "",

		Versioner: func() string { return "" },
		LogStdOut: os.Stdout,
	}
}

// SocketPath returns the full path of the listen socket.
func (s *Settings) SocketPath() string {
	return s.RuntimeDir + "/" + PGSocketFilename
}

// Load retrieves settings from an ini file. Additionally it expands all ~
// to the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	// obtain current user for directory expansion
	usr, err := user.Current()
	if err != nil {
		return err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root = strings.Replace(s.Root, "~", usr.HomeDir, 1)

	// runtime directory
	runtimeDir, ok := cfg.Get("", "runtimedir")
	if ok {
		s.RuntimeDir = runtimeDir
	}
	s.RuntimeDir = strings.Replace(s.RuntimeDir, "~", usr.HomeDir, 1)

	err = iniDuration(cfg, &s.InitTimeout, "", "inittimeout")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	// logging and debug
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)

	debugLevel, ok := cfg.Get("log", "debuglevel")
	if ok {
		s.DebugLevel = debugLevel
	}

	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	profiler, ok := cfg.Get("log", "profiler")
	if ok {
		s.Profiler = profiler
	}

	promAddr, ok := cfg.Get("log", "prometheus")
	if ok {
		s.PromAddr = promAddr
	}

	// policy
	err = iniDuration(cfg, &s.ChallengeTimeout, "policy", "challengetimeout")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	if s.ChallengeTimeout < time.Second {
		return fmt.Errorf("challengetimeout must be at least one second")
	}

	err = iniDuration(cfg, &s.SessionTimeout, "policy", "sessiontimeout")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	if s.SessionTimeout < time.Second {
		return fmt.Errorf("sessiontimeout must be at least one second")
	}

	err = iniDuration(cfg, &s.SweepInterval, "policy", "sweepinterval")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	rawExecs, ok := cfg.Get("policy", "allowedexecutables")
	if ok {
		execList := strings.Split(rawExecs, ",")
		for i := range execList {
			execList[i] = strings.TrimSpace(execList[i])
		}
		s.AllowedExecs = execList
	}

	rawMode, ok := cfg.Get("policy", "socketmode")
	if ok {
		mode, err := strconv.ParseUint(rawMode, 8, 32)
		if err != nil {
			return fmt.Errorf("socketmode must be octal: %v", err)
		}
		s.SocketMode = os.FileMode(mode)
	}

	return nil
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}
