// Package common holds process-wide helpers shared by the relay binaries.
package common

var (
	// PackageName is used as the service prefix in logs and metrics.
	PackageName = "tss-session-relay"

	// Version is overridden at build time via -ldflags.
	Version = "dev"
)
