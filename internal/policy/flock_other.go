//go:build !unix

package policy

import "os"

// Windows has no flock; the store falls back to process-local
// serialization through the single Store instance. Cross-process
// exclusion is unix-only.
func lockFileExclusive(_ *os.File) error { return nil }

func unlockFile(_ *os.File) error { return nil }
