package sip

// DialogState enumerates the RFC 3261 section 12 dialog lifecycle: a dialog
// starts in DialogStateNull, moves to DialogStateEarly on a provisional
// response carrying a to-tag, to DialogStateConfirmed on a final 2xx, and to
// DialogStateTerminated on BYE, a non-2xx final response, or early timeout.
type DialogState int

const (
	DialogStateNull DialogState = iota
	DialogStateEarly
	DialogStateConfirmed
	DialogStateTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogStateNull:
		return "Null"
	case DialogStateEarly:
		return "Early"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Dialog is a lightweight, read-only snapshot of a dialog used for
// lifecycle notifications (see ServerDialog.OnDialog).
type Dialog struct {
	ID    string
	State DialogState
}
