package remote

// ackIntervals is a sorted, disjoint list of closed revision intervals,
// stored flat as [a1, b1, a2, b2, ...]. It records revisions for which a
// write acknowledgement has arrived while the preceding server updates
// are still outstanding.
type ackIntervals []uint64

// add inserts revision r, extending or merging neighbouring intervals.
func (ai ackIntervals) add(r uint64) ackIntervals {
	for i := 0; i < len(ai); i += 2 {
		a, b := ai[i], ai[i+1]
		switch {
		case r >= a && r <= b:
			return ai
		case r+1 == a:
			ai[i] = r
			return ai.mergeAt(i)
		case r == b+1:
			ai[i+1] = r
			return ai.mergeAt(i)
		case r < a:
			out := make(ackIntervals, 0, len(ai)+2)
			out = append(out, ai[:i]...)
			out = append(out, r, r)
			out = append(out, ai[i:]...)
			return out
		}
	}
	return append(ai, r, r)
}

// mergeAt coalesces the interval at index i with its neighbours after an
// extension.
func (ai ackIntervals) mergeAt(i int) ackIntervals {
	if i >= 2 && ai[i-1]+1 >= ai[i] {
		ai[i-1] = ai[i+1]
		return append(ai[:i], ai[i+2:]...)
	}
	if i+2 < len(ai) && ai[i+1]+1 >= ai[i+2] {
		ai[i+1] = ai[i+3]
		return append(ai[:i+2], ai[i+4:]...)
	}
	return ai
}

// collapse absorbs every interval adjacent to or overlapping continuous
// coverage up to r, returning the extended coverage and the remaining
// intervals.
func (ai ackIntervals) collapse(r uint64) (uint64, ackIntervals) {
	for len(ai) > 0 && ai[0] <= r+1 {
		if ai[1] > r {
			r = ai[1]
		}
		ai = ai[2:]
	}
	return r, ai
}

// subscription is the client-side revision state of one subscribed
// resource.
type subscription struct {
	resourceID uint64

	// revision is the highest revision for which a continuous update
	// sequence has been received.
	revision uint64

	// ackRevision holds acked revisions beyond revision; non-empty only
	// while a gap remains.
	ackRevision ackIntervals

	// ackRevisionByIdent records, per element identifier, the highest
	// revision acked while a gap exists. Updates for such an identifier
	// with an equal or lower revision are stale and must be discarded.
	ackRevisionByIdent map[string]uint64
}

// noteUpdate processes the arrival of a server update carrying revision
// r. It reports false if the update is stale (already covered).
func (s *subscription) noteUpdate(r uint64) bool {
	if r <= s.revision {
		return false
	}
	s.revision, s.ackRevision = s.ackRevision.collapse(r)
	if len(s.ackRevision) == 0 {
		s.ackRevisionByIdent = nil
	}
	return true
}

// noteAck processes a write acknowledgement carrying revision r for the
// given identifiers.
func (s *subscription) noteAck(r uint64, idents []string) {
	if r <= s.revision {
		return
	}
	if r == s.revision+1 {
		s.revision, s.ackRevision = s.ackRevision.collapse(r)
		if len(s.ackRevision) == 0 {
			s.ackRevisionByIdent = nil
		}
		return
	}
	s.ackRevision = s.ackRevision.add(r)
	if s.ackRevisionByIdent == nil {
		s.ackRevisionByIdent = make(map[string]uint64)
	}
	for _, ident := range idents {
		if r > s.ackRevisionByIdent[ident] {
			s.ackRevisionByIdent[ident] = r
		}
	}
}

// staleForIdent reports whether an update for ident carrying revision r
// has been superseded by an acked write.
func (s *subscription) staleForIdent(ident string, r uint64) bool {
	return s.ackRevisionByIdent[ident] >= r
}
