// Copyright 2025 Certen Protocol

// Package svclog constructs the bracketed-prefix *log.Logger used throughout
// the relay pipeline, matching the convention the rest of the corpus uses
// (pkg/config, pkg/batch, pkg/firestore all build loggers this way) rather
// than adopting a structured-logging library the corpus never imports.
package svclog

import (
	"log"
	"os"
)

// New returns a logger prefixed with the component name in brackets, e.g.
// "[validator] 2026/08/01 12:00:00.000000 signed checkpoint index=5".
func New(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}
