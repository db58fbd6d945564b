package sipgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sipstack/dialog/sip"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq     = errors.New("Invalid CSEQ number")
	ErrDialogMerged          = errors.New("merged request (RFC 3261 S.8.2.2.2)")

	// ErrSequence reports a CSeq that cannot be applied: it would not strictly
	// increase the dialog's sequence, or it would overflow sip.MaxCSeq.
	ErrSequence = errors.New("dialog: CSeq sequencing error")
	// ErrUnknownTransport reports a request or route whose transport token
	// (udp/tcp/tls/ws/wss) this module does not recognize.
	ErrUnknownTransport = errors.New("dialog: unknown transport")
	// ErrDialogState reports an operation attempted while the dialog is in a
	// state that forbids it, e.g. sending a BYE before the dialog confirms.
	ErrDialogState = errors.New("dialog: invalid state for operation")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. It is not thread safe!
	// Use it only as read only and use methods to change headers
	InviteRequest *sip.Request

	// lastCSeqNo is set for every request within dialog except ACK CANCEL.
	// Kept as 64 bits internally; sip.ValidateCSeq guards the 2**32-1 wire
	// boundary whenever this advances past a value a peer could not echo.
	lastCSeqNo atomic.Uint64

	// InviteResponse is last response received or sent. It is not thread safe!
	// Use it only as read only and do not change values
	InviteResponse *sip.Response

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]

	// causeErr records why the dialog terminated, if not by normal BYE exchange
	causeErr atomic.Pointer[error]

	// store user values
	values sync.Map
}

// Init setups dialog state
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state = atomic.Int32{}
	d.lastCSeqNo = atomic.Uint64{}

	cseq := d.InviteRequest.CSeq().SeqNo
	d.lastCSeqNo.Store(cseq)
	d.onStatePointer = atomic.Pointer[DialogStateFn]{}
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		// Safety
		return
	}

	if s == sip.DialogStateTerminated {
		d.cancel()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

func (d *Dialog) CSEQ() uint64 {
	return d.lastCSeqNo.Load()
}

// SetCSEQ forces the dialog's last CSeq number, used when resuming a dialog
// whose initial transaction already completed elsewhere.
func (d *Dialog) SetCSEQ(cseq uint64) {
	d.lastCSeqNo.Store(cseq)
}

// nextCSeq advances and returns the dialog's CSeq for the next non-ACK,
// non-CANCEL request sent in-dialog, rejecting with ErrSequence rather than
// silently wrapping past sip.MaxCSeq (RFC 3261 S.8.1.1.5).
func (d *Dialog) nextCSeq() (uint64, error) {
	next := d.lastCSeqNo.Load() + 1
	if err := sip.ValidateCSeq(next); err != nil {
		return 0, errors.Join(ErrSequence, err)
	}
	d.lastCSeqNo.Store(next)
	return next, nil
}

// endWithCause terminates the dialog and records the cause as its context error.
func (d *Dialog) endWithCause(cause error) {
	if cause != nil {
		d.causeErr.Store(&cause)
	}
	d.setState(sip.DialogStateTerminated)
}

// err returns why the dialog was terminated, or nil on a normal BYE exchange.
func (d *Dialog) err() error {
	if p := d.causeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}
