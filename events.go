package sipgo

import (
	"fmt"

	"github.com/sipstack/dialog/sip"
)

// EventKind identifies the lifecycle events a DialogUA publishes through its
// Events emitter (Emitter.OnEvent), generalizing the ad-hoc OnDialog/OnDialogChan callbacks in
// server_dialog.go into a single stream a host application can subscribe to.
type EventKind int

const (
	// EventDialogEstablished fires when a dialog reaches DialogStateConfirmed.
	EventDialogEstablished EventKind = iota
	// EventDialogTerminated fires when a dialog reaches DialogStateTerminated,
	// whether by BYE, a non-2xx final response, or an early timeout.
	EventDialogTerminated
	// EventTransactionTerminated marks a client or server transaction
	// reaching its terminated state. No component in this module emits it.
	EventTransactionTerminated
	// EventIOException marks a transport write/read failure. No component in
	// this module emits it; transport errors are returned or logged instead.
	EventIOException
	// EventDialogError is emitted by emitDialogTerminated, just before
	// EventDialogTerminated, when it is given a non-nil cause.
	// dialogStateEmitter passes no cause, so dialogs wired through it never
	// produce this event.
	EventDialogError
)

func (k EventKind) String() string {
	switch k {
	case EventDialogEstablished:
		return "DialogEstablished"
	case EventDialogTerminated:
		return "DialogTerminated"
	case EventTransactionTerminated:
		return "TransactionTerminated"
	case EventIOException:
		return "IOException"
	case EventDialogError:
		return "DialogError"
	default:
		return "Unknown"
	}
}

// Event is the payload delivered to an EventListener. DialogID and TxKey are
// populated when the event originates from a dialog or a transaction,
// respectively; a given event only ever populates the field relevant to its
// Kind.
type Event struct {
	Kind     EventKind
	DialogID string
	TxKey    string
	Err      error
}

func (e Event) String() string {
	switch {
	case e.DialogID != "":
		return fmt.Sprintf("%s dialog=%s err=%v", e.Kind, e.DialogID, e.Err)
	case e.TxKey != "":
		return fmt.Sprintf("%s tx=%s err=%v", e.Kind, e.TxKey, e.Err)
	default:
		return fmt.Sprintf("%s err=%v", e.Kind, e.Err)
	}
}

// EventListener receives DialogUA lifecycle events. Implementations must not
// block; Emitter.Emit calls listeners synchronously on the goroutine that
// detected the event (the same contract Dialog.OnState already has).
type EventListener func(Event)

// Emitter fans a stream of Events out to registered listeners. It is the
// generalized form of ServerDialog's single onDialog callback: multiple
// listeners can be registered, and events carry a Kind instead of being
// inferred from which method was called.
type Emitter struct {
	listeners []EventListener
}

// OnEvent registers a listener. Safe to call only before the emitter starts
// publishing events (mirrors Dialog.OnState's single-assignment-at-setup use).
func (e *Emitter) OnEvent(f EventListener) {
	e.listeners = append(e.listeners, f)
}

func (e *Emitter) emit(ev Event) {
	for _, f := range e.listeners {
		f(ev)
	}
}

func (e *Emitter) emitDialogEstablished(dialogID string) {
	e.emit(Event{Kind: EventDialogEstablished, DialogID: dialogID})
}

func (e *Emitter) emitDialogTerminated(dialogID string, cause error) {
	if cause != nil {
		e.emit(Event{Kind: EventDialogError, DialogID: dialogID, Err: cause})
	}
	e.emit(Event{Kind: EventDialogTerminated, DialogID: dialogID, Err: cause})
}

func (e *Emitter) emitTransactionTerminated(txKey string, cause error) {
	e.emit(Event{Kind: EventTransactionTerminated, TxKey: txKey, Err: cause})
}

func (e *Emitter) emitIOException(cause error) {
	e.emit(Event{Kind: EventIOException, Err: cause})
}

// dialogStateEmitter wires Dialog.OnState into an Emitter, translating the
// donor's per-dialog state callback into the shared event stream.
func dialogStateEmitter(em *Emitter, id string) DialogStateFn {
	return func(s sip.DialogState) {
		switch s {
		case sip.DialogStateConfirmed:
			em.emitDialogEstablished(id)
		case sip.DialogStateTerminated:
			em.emitDialogTerminated(id, nil)
		}
	}
}
