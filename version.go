package vrift

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the vrift library and daemon.
var Version = strings.TrimSpace(versionFile)
