package chunkframe

import "bytes"

type reassemblyState int

const (
	stateExpectingHeader reassemblyState = iota
	stateExpectingPayload
)

// Reassembler reconstructs a sequence of HDR-framed chunks out of an
// arbitrarily-split byte stream, per the frame reassembly state machine:
// expecting_header / expecting_payload(len, crc). It recovers from a
// misaligned start by discarding bytes up to the first "HDR " occurrence,
// and from a single bad chunk (CRC mismatch) by dropping that chunk and
// resuming framing — a malformed header line is fatal to the session.
type Reassembler struct {
	partial []byte
	state   reassemblyState
	pending Header

	// OnPayload is invoked with each frame whose CRC verified.
	OnPayload func(payload []byte)

	// OnCRCMismatch is invoked when a frame's CRC disagrees; the chunk is
	// dropped and framing resumes at the next header.
	OnCRCMismatch func(h Header)
}

// NewReassembler returns a Reassembler starting in the expecting_header
// state with an empty partial buffer.
func NewReassembler(onPayload func([]byte), onCRCMismatch func(Header)) *Reassembler {
	return &Reassembler{OnPayload: onPayload, OnCRCMismatch: onCRCMismatch}
}

// Feed appends newly arrived bytes and drives the state machine as far as
// it can go. It returns ErrBadHeader if a header line fails to parse, in
// which case the caller must terminate the session (the reassembler itself
// stays usable only for diagnostic purposes after that).
func (r *Reassembler) Feed(b []byte) error {
	r.partial = append(r.partial, b...)

	for {
		switch r.state {
		case stateExpectingHeader:
			idx := bytes.Index(r.partial, []byte(HeaderPrefix))
			if idx < 0 {
				// No header seen yet; keep waiting. Keep at most the tail
				// that could still be a split HeaderPrefix so unbounded
				// garbage doesn't accumulate forever.
				if keep := len(HeaderPrefix) - 1; len(r.partial) > keep {
					r.partial = r.partial[len(r.partial)-keep:]
				}
				return nil
			}
			if idx > 0 {
				// Misaligned start: discard the leading garbage.
				r.partial = r.partial[idx:]
			}

			nl := bytes.IndexByte(r.partial, '\n')
			if nl < 0 {
				return nil // header line not fully arrived yet
			}

			h, rest, err := ParseHeaderLine(r.partial)
			if err != nil {
				return err
			}
			r.pending = h
			r.partial = rest
			r.state = stateExpectingPayload

		case stateExpectingPayload:
			if len(r.partial) < r.pending.Len {
				return nil
			}

			payload := make([]byte, r.pending.Len)
			copy(payload, r.partial[:r.pending.Len])
			r.partial = r.partial[r.pending.Len:]

			if r.pending.VerifyCRC(payload) {
				if r.OnPayload != nil {
					r.OnPayload(payload)
				}
			} else if r.OnCRCMismatch != nil {
				r.OnCRCMismatch(r.pending)
			}

			r.state = stateExpectingHeader
		}
	}
}
