package blkfifo

// flushPolicy decides how write-through requests are honored. Devices with
// native force-access support get the flag forwarded on every hardware
// command; everything else gets the flag stripped and a synthetic flush
// issued after the logical request's data lands.
type flushPolicy struct {
	native bool
}

func newFlushPolicy(info DeviceInfo) flushPolicy {
	return flushPolicy{native: info.Flags&FlagFUASupport != 0}
}

// apply rewrites the pieces of one logical request according to the policy
// and reports whether a synthetic post-flush is required once all pieces
// complete successfully.
//
// A grouped entry only earns a post-flush when it carries FlagGroupLast;
// force-access on earlier group entries is silently dropped, matching the
// one-flush-per-transaction contract.
func (p flushPolicy) apply(req Request, pieces []Request) (needsFlush bool) {
	if req.Opcode != OpcodeWrite || req.Flags&FlagForceAccess == 0 {
		return false
	}

	if p.native {
		// Split pieces inherit the flag so every sub-write hits media.
		for i := range pieces {
			pieces[i].Flags |= FlagForceAccess
		}
		return false
	}

	for i := range pieces {
		pieces[i].Flags &^= FlagForceAccess
	}

	if req.Flags&FlagGroupItem != 0 && req.Flags&FlagGroupLast == 0 {
		return false
	}

	return true
}
