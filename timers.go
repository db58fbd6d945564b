package sipgo

import (
	"fmt"
	"sync"
	"time"
)

// Default timer values for dialog-scoped (as opposed to transaction-scoped,
// see transaction.T1 and friends) timeouts.
const (
	// DefaultDialogExpiry bounds how long a confirmed dialog may stay idle
	// before it is torn down, absent a session refresh (RFC 4028).
	DefaultDialogExpiry = 30 * time.Minute

	// SessionTimerMin is the smallest Session-Expires a peer may request,
	// per RFC 4028 S.4.
	SessionTimerMin = 90 * time.Second

	// DefaultEarlyTimeout bounds how long a dialog may sit in
	// sip.DialogStateEarly without reaching a final response before it is
	// torn down (RFC 3261 does not mandate a value; 180s matches common
	// UAS ringing timeout practice).
	DefaultEarlyTimeout = 180 * time.Second

	// DefaultDialogLinger keeps a just-terminated server dialog's entry
	// reachable in dialogRegistry.lingering so a retransmitted late ACK or
	// BYE still matches it instead of getting ErrDialogDoesNotExists.
	DefaultDialogLinger = 8 * time.Second
)

// TimerKind labels what a scheduled timeout is for.
type TimerKind int

const (
	TimerKindDialogExpiry TimerKind = iota
	TimerKindSessionRefresh
	// TimerKindEarlyTimeout bounds time spent in sip.DialogStateEarly.
	TimerKindEarlyTimeout
	// TimerKindLinger bounds how long a terminated dialog stays reachable
	// for a late in-dialog retransmission.
	TimerKindLinger
	// TimerKindPrackWait retransmits a reliable provisional response
	// (RFC 3262) until its PRACK arrives or Timer_C-like retry budget runs
	// out, mirroring the T1-doubling-to-T2 shape transaction.ServerTx uses
	// for the equivalent INVITE Timer G.
	TimerKindPrackWait
)

// timerHandle is one entry in a TimerExecutor: a running time.AfterFunc plus
// enough to cancel it and to attribute it to a dialog when pruning.
type timerHandle struct {
	timer    *time.Timer
	dialogID string
	kind     TimerKind
}

// TimerExecutor is a per-DialogUA registry of dialog-scoped timeouts (dialog
// expiry, early-state timeout, linger, PRACK wait), generalized from the donor's bare
// time.AfterFunc-per-timer style in the transaction package (see
// transaction/client_tx.go's timer_a/timer_b fields) into a single place
// that can enumerate and cancel every timer belonging to a dialog at once.
//
// Grounded on arzzra-soft_phone's TimeoutManager (pkg/dialog/timeout_manager.go):
// same named-handle-keyed-by-id shape, same "duration defaults to
// DefaultDialogExpiry when unset" behavior, trimmed to the dialog-layer timer
// kinds above (the donor's TimeoutManager also tracks raw transaction timers,
// which transaction.ClientTx/ServerTx already own). TimerKindSessionRefresh is
// defined but nothing in this module schedules it.
type TimerExecutor struct {
	mu      sync.Mutex
	handles map[string]*timerHandle
}

func newTimerExecutor() *TimerExecutor {
	return &TimerExecutor{handles: make(map[string]*timerHandle)}
}

func timerHandleID(dialogID string, kind TimerKind) string {
	return fmt.Sprintf("%s:%d", dialogID, kind)
}

// Schedule arms a timer for dialogID, replacing any previously scheduled
// timer of the same kind for that dialog. duration <= 0 defaults to
// DefaultDialogExpiry for TimerKindDialogExpiry.
func (e *TimerExecutor) Schedule(dialogID string, kind TimerKind, duration time.Duration, fire func()) {
	if e == nil {
		return
	}
	if duration <= 0 && kind == TimerKindDialogExpiry {
		duration = DefaultDialogExpiry
	}

	id := timerHandleID(dialogID, kind)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.handles[id]; ok {
		existing.timer.Stop()
	}

	e.handles[id] = &timerHandle{
		dialogID: dialogID,
		kind:     kind,
		timer: time.AfterFunc(duration, func() {
			e.mu.Lock()
			delete(e.handles, id)
			e.mu.Unlock()
			fire()
		}),
	}
}

// Cancel stops a single previously scheduled timer, if still pending.
func (e *TimerExecutor) Cancel(dialogID string, kind TimerKind) bool {
	if e == nil {
		return false
	}
	id := timerHandleID(dialogID, kind)

	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(e.handles, id)
	return true
}

// CancelDialog stops every timer scheduled for dialogID (session refresh and
// expiry alike), used when a dialog terminates by BYE or CANCEL so it does
// not also fire an expiry timeout afterwards.
func (e *TimerExecutor) CancelDialog(dialogID string) int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, h := range e.handles {
		if h.dialogID != dialogID {
			continue
		}
		h.timer.Stop()
		delete(e.handles, id)
		n++
	}
	return n
}

// Active reports how many timers are currently pending, for diagnostics.
func (e *TimerExecutor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}
