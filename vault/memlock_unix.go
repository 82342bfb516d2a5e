//go:build unix

package vault

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// lockMemory keeps key pages out of swap. Failure (usually RLIMIT_MEMLOCK)
// is logged and otherwise ignored.
func lockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := unix.Mlock(b); err != nil {
		log.Debug().Err(err).Msg("mlock of key material failed")
	}
}

func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
