package blkfifo

// splitRequest breaks a read or write request into pieces no larger than
// maxBlocks. Pieces cover contiguous, non-overlapping ranges in request
// order. Group flags are preserved on every piece except FlagGroupLast,
// which rides only the final piece so the transaction tracker sees the
// logical request end exactly once.
func splitRequest(req Request, maxBlocks uint32) []Request {
	if req.Length <= maxBlocks {
		return []Request{req}
	}

	pieces := make([]Request, 0, (req.Length+maxBlocks-1)/maxBlocks)
	remaining := req.Length
	bufOffset := req.BufferOffset
	devOffset := req.DevOffset

	for remaining > 0 {
		n := remaining
		if n > maxBlocks {
			n = maxBlocks
		}

		piece := req
		piece.Length = n
		piece.BufferOffset = bufOffset
		piece.DevOffset = devOffset
		piece.Flags &^= FlagGroupLast

		remaining -= n
		bufOffset += uint64(n)
		devOffset += uint64(n)

		if remaining == 0 {
			piece.Flags |= req.Flags & FlagGroupLast
		}

		pieces = append(pieces, piece)
	}

	return pieces
}
