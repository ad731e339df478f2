// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"crypto/rand"
	"sync"
)

// processInit guards one-time, process-wide setup. The original C library
// needs this to install signal handlers and seed its PRNG exactly once per
// process (ch_libchirp_init / ch_libchirp_cleanup in chirp.c); Go's
// crypto/rand needs no such seeding step, but the seam is kept so a future
// process-wide resource (for example a shared signal-handling registration
// across multiple Nodes with DISABLE_SIGNALS=false) has somewhere to live
// without every Node racing to install it.
var processInit sync.Once

func ensureProcessInit() {
	processInit.Do(func() {})
}

// randIdentity fills id with 16 cryptographically random bytes.
func randIdentity(id *identity) {
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on a supported platform only fails if the OS
		// entropy source itself is broken, which is not a condition this
		// library can recover from or usefully report through the normal
		// error taxonomy.
		panic("chirp: system entropy source failed: " + err.Error())
	}
}

// isZeroIdentity reports whether id is the all-zero identity, the sentinel
// Config.IDENTITY value meaning "generate one at random".
func isZeroIdentity(id [identitySize]byte) bool {
	return id == [identitySize]byte{}
}
