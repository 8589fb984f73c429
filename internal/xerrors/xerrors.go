// Package xerrors declares the error taxonomy the peer engine uses to
// decide how far a failure propagates: contained to one session, contained
// to one piece, retried with backoff, or fatal to the whole process.
package xerrors

import "fmt"

// MalformedMetainfo wraps a torrent-file parse failure. Fatal to loading
// that file; never propagates beyond the caller that requested the parse.
type MalformedMetainfo struct{ Err error }

func (e *MalformedMetainfo) Error() string { return fmt.Sprintf("malformed metainfo: %v", e.Err) }
func (e *MalformedMetainfo) Unwrap() error { return e.Err }

// BadHandshake wraps a handshake-stage failure (bad pstrlen, pstr mismatch,
// unknown info_hash). Fatal to the session being established; the socket is
// closed and the engine keeps serving everyone else.
type BadHandshake struct{ Err error }

func (e *BadHandshake) Error() string { return fmt.Sprintf("bad handshake: %v", e.Err) }
func (e *BadHandshake) Unwrap() error { return e.Err }

// ProtocolViolation wraps a post-handshake framing or message violation
// (oversized length prefix, malformed payload). Fatal to the session.
type ProtocolViolation struct{ Err error }

func (e *ProtocolViolation) Error() string { return fmt.Sprintf("protocol violation: %v", e.Err) }
func (e *ProtocolViolation) Unwrap() error { return e.Err }

// PieceCorrupt means a deposited piece's bytes did not hash to the expected
// digest. Local recovery: the piece store reverts the piece to Absent and
// the scheduler re-requests it.
type PieceCorrupt struct {
	Piece int
}

func (e *PieceCorrupt) Error() string { return fmt.Sprintf("piece %d failed hash verification", e.Piece) }

// TransientNetwork wraps connect-refused/reset/timeout failures dialing a
// peer. The swarm logs the failed dial and drops it; the address is dialed
// again only when a later tracker announce hands it over again, with no
// backoff of its own.
type TransientNetwork struct{ Err error }

func (e *TransientNetwork) Error() string { return fmt.Sprintf("transient network error: %v", e.Err) }
func (e *TransientNetwork) Unwrap() error { return e.Err }

// TrackerUnavailable wraps a failed tracker announce. The engine retries at
// the next announce interval and keeps serving whatever peers it already
// knows.
type TrackerUnavailable struct{ Err error }

func (e *TrackerUnavailable) Error() string {
	return fmt.Sprintf("tracker unavailable: %v", e.Err)
}
func (e *TrackerUnavailable) Unwrap() error { return e.Err }

// DiskFault wraps a disk I/O failure (full disk, read/write error) in the
// piece store. From Store.Open it stops the torrent from loading (swarmpeer
// then exits non-zero). From DepositBlock it is logged and the piece goes
// back to Want; from ReadBlock it is logged and the upload is skipped. In
// both cases the engine keeps running; it is not stopped and no "stopped"
// announce is sent.
type DiskFault struct{ Err error }

func (e *DiskFault) Error() string { return fmt.Sprintf("disk fault: %v", e.Err) }
func (e *DiskFault) Unwrap() error { return e.Err }
