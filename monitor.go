package tcprelay

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFilesLimit lifts the soft RLIMIT_NOFILE so that every accepted peer
// can hold a descriptor. limit <= 0 raises the soft limit up to the hard one.
// The resulting soft limit is returned.
func RaiseOpenFilesLimit(limit int) (uint64, error) {
	rLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, rLimit)
	if err != nil {
		return 0, os.NewSyscallError("getrlimit", err)
	}
	wanted := rLimit.Max
	if limit > 0 && uint64(limit) < wanted {
		wanted = uint64(limit)
	}
	if wanted <= rLimit.Cur {
		return rLimit.Cur, nil
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: wanted, Max: rLimit.Max})
	if err != nil {
		return rLimit.Cur, os.NewSyscallError("setrlimit", err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("raised open files limit from %d to %d", rLimit.Cur, wanted)
	}
	return wanted, nil
}
