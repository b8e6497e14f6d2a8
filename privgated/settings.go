// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/privgate/privgate/internal/version"
	"github.com/privgate/privgate/rpc"
	"github.com/privgate/privgate/server/settings"
)

func ObtainSettings() (*settings.Settings, error) {
	// defaults
	s := settings.New()

	// config file
	filename := flag.String("cfg", "/etc/privgate/privgated.conf",
		"config file")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "privgated %s (%s) protocol version %d\n",
			version.String(), runtime.Version(), rpc.ProtocolVersion)
		os.Exit(0)
	}

	// load file; a missing config runs on defaults
	err := s.Load(*filename)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return s, nil
}
