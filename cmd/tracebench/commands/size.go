// Package commands provides the tracebench CLI's subcommands: analyze,
// correlate, migrate, and serve. Each follows the teacher's Command/Service
// split (cmd/codefang/commands/analyze.go): a *Command struct owns cobra
// flag wiring and a Run method, delegating the actual work to a plain
// Service type so the logic stays testable independent of cobra.
package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrInvalidSizeFormat is returned when a human-readable size flag (e.g.
// "--correlator-cache 4K") fails to parse. Ported from
// pkg/framework/config.go's ErrInvalidSizeFormat.
var ErrInvalidSizeFormat = errors.New("commands: invalid size format")

// parseOptionalCount parses a human-readable count flag (plain integers or
// humanize-suffixed strings like "4K", "1Mi") into an int, returning
// fallback for an empty string. Mirrors ParseOptionalSize, generalized from
// bytes to a plain count (correlator cache capacity, worker count) since
// these flags size a cache or a pool, not necessarily memory.
func parseOptionalCount(raw string, fallback int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}

	parsed, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, raw)
	}

	if parsed > uint64(^uint(0)>>1) {
		return int(^uint(0) >> 1), nil
	}

	return int(parsed), nil
}
