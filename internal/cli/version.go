// Package cli builds the command-line interfaces of the xlrecalc tools.
package cli

// Version is set at build time via -ldflags.
var Version = "dev"
