// Package retryfsm implements the client-side write-retry mini state
// machine shared, but not copy-pasted, across VCS, VOCS, and AICS clients
// (§4.4 "the write-retry mini-FSM", and design note "Retry as a
// sub-state-machine"). Each client supplies the three operations that
// differ per profile (issue the write, re-read the counter, detect a
// counter-mismatch error); this package owns the {Idle, WritePending,
// RereadPending} transition logic and the single-retry rule.
package retryfsm

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// State is the client transaction state (§9 design note: "busy" as an
// explicit sub-state-machine, not a hidden synchronous call).
type State int

const (
	Idle State = iota
	WritePending
	RereadPending
)

// Ops are the profile-specific operations the FSM drives.
type Ops struct {
	// Write issues the pending control-point write and reports its
	// outcome through cb.
	Write func(cb func(err error))
	// ReadCounter re-reads the state characteristic to recover the
	// server's current change counter after a mismatch.
	ReadCounter func(cb func(counter byte, err error))
	// ApplyCounter stores the freshly read counter into the client's
	// cached write buffer before the single retry.
	ApplyCounter func(counter byte)
	// IsCounterMismatch reports whether err is this profile's "invalid
	// change counter" service error.
	IsCounterMismatch func(err error) bool
}

// FSM is the per-instance busy gate and transaction driver.
type FSM struct {
	state State
}

// Busy reports whether a transaction is currently in flight (§3.6).
func (f *FSM) Busy() bool { return f.state != Idle }

// State returns the current FSM state, for tests and diagnostics.
func (f *FSM) State() State { return f.state }

// Begin starts a write transaction. It returns APIError(Busy) immediately
// if one is already in flight; otherwise ops.Write is issued and done is
// invoked exactly once, after at most one reread-and-retry round trip.
func (f *FSM) Begin(ops Ops, done func(err error)) error {
	if f.Busy() {
		return gatt.NewAPIError(gatt.APIBusy)
	}
	f.state = WritePending
	ops.Write(func(err error) {
		f.onFirstWriteComplete(ops, err, done)
	})
	return nil
}

func (f *FSM) onFirstWriteComplete(ops Ops, err error, done func(err error)) {
	if err == nil {
		f.state = Idle
		done(nil)
		return
	}
	if !ops.IsCounterMismatch(err) {
		f.state = Idle
		done(err)
		return
	}

	f.state = RereadPending
	ops.ReadCounter(func(counter byte, rerr error) {
		if rerr != nil {
			f.state = Idle
			done(gatt.NewATTError(gatt.ATTUnlikely))
			return
		}
		ops.ApplyCounter(counter)
		f.state = WritePending
		ops.Write(func(err2 error) {
			// A second counter mismatch is not retried again (§4.4 step 3);
			// it surfaces verbatim like any other error.
			f.state = Idle
			done(err2)
		})
	})
}

// Reset forces the FSM back to Idle, as happens when a disconnect
// implicitly tears down any in-flight transaction (§5 "Cancellation &
// timeouts"): the connection handle goes invalid, so whatever callback was
// pending will simply never arrive, and busy must be cleared lazily.
func (f *FSM) Reset() { f.state = Idle }
