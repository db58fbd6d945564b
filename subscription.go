package sipgo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sipstack/dialog/sip"

	"github.com/looplab/fsm"
)

// SubscriptionState mirrors the three values the Subscription-State header
// (RFC 3265 S.3.2.4) carries in every NOTIFY: "pending" while the notifier
// has not yet decided to let the subscription proceed, "active" once
// notifications are flowing, "terminated" once no further NOTIFY will
// arrive for this subscription.
type SubscriptionState string

const (
	SubscriptionStatePending    SubscriptionState = "pending"
	SubscriptionStateActive     SubscriptionState = "active"
	SubscriptionStateTerminated SubscriptionState = "terminated"
)

// newSubscriptionFSM wraps looplab/fsm around SubscriptionState, generalizing
// the donor's REFER-only ReferFSM (pkg/dialog/refer_fsm.go in the reference
// softphone stack this behavior is grounded on) from sipfrag status codes to
// the Subscription-State header every SUBSCRIBE/NOTIFY exchange carries,
// covering both an out-of-dialog SUBSCRIBE and a REFER-created implicit
// subscription with the same state machine.
func newSubscriptionFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(SubscriptionStatePending),
		fsm.Events{
			{Name: "pending", Src: []string{string(SubscriptionStatePending), string(SubscriptionStateActive)}, Dst: string(SubscriptionStatePending)},
			{Name: "active", Src: []string{string(SubscriptionStatePending), string(SubscriptionStateActive)}, Dst: string(SubscriptionStateActive)},
			{Name: "terminated", Src: []string{string(SubscriptionStatePending), string(SubscriptionStateActive)}, Dst: string(SubscriptionStateTerminated)},
		},
		nil,
	)
}

// Subscription tracks NOTIFY delivery state for a single SUBSCRIBE dialog
// (RFC 3265) or a REFER-created implicit subscription (RFC 3515). One is
// created per successful SUBSCRIBE/REFER and lives until a NOTIFY carrying
// Subscription-State: terminated arrives. The subscription's Expires is not
// tracked; no timer ends a Subscription on its own.
type Subscription struct {
	fsm *fsm.FSM

	ID    string // dialog ID shared with the SUBSCRIBE/REFER's own dialog
	Event string // Event header token, e.g. "refer" or "dialog"

	mu        sync.Mutex
	finalCode int // sipfrag status from the last REFER NOTIFY body, 0 if none seen
	done      chan struct{}
	doneOnce  sync.Once
}

func newSubscription(id, event string) *Subscription {
	return &Subscription{
		fsm:   newSubscriptionFSM(),
		ID:    id,
		Event: event,
		done:  make(chan struct{}),
	}
}

// State reports the subscription's current Subscription-State value.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.fsm.Current())
}

// Done is closed once the subscription reaches SubscriptionStateTerminated.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// FinalCode returns the sipfrag status code carried by the last REFER NOTIFY
// body, or 0 if this subscription is not a REFER subscription or no NOTIFY
// with a body has arrived yet.
func (s *Subscription) FinalCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalCode
}

// onNotify advances the subscription's state from an inbound NOTIFY request,
// per the Subscription-State header it must carry (RFC 3265 S.3.2.4), and
// additionally decodes a message/sipfrag body for REFER subscriptions
// (RFC 3515 S.2.4.4) to expose the final SIP status of the referred request.
func (s *Subscription) onNotify(req *sip.Request) error {
	if s.State() == SubscriptionStateTerminated {
		// Already torn down; a late or duplicate NOTIFY is still ack'd.
		return nil
	}

	h := req.GetHeader("Subscription-State")
	if h == nil {
		return fmt.Errorf("notify missing Subscription-State header")
	}
	state, _ := splitParams(h.Value())

	var event string
	switch SubscriptionState(strings.ToLower(state)) {
	case SubscriptionStatePending:
		event = "pending"
	case SubscriptionStateActive:
		event = "active"
	case SubscriptionStateTerminated:
		event = "terminated"
	default:
		return fmt.Errorf("unrecognized Subscription-State value %q", state)
	}

	if ct := req.ContentType(); ct != nil && strings.EqualFold(ct.Value(), "message/sipfrag") {
		if code, ok := parseSipfragStatus(req.Body()); ok {
			s.mu.Lock()
			s.finalCode = code
			s.mu.Unlock()
		}
	}

	if err := s.fsm.Event(context.Background(), event); err != nil && err != fsm.NoTransitionError {
		return err
	}

	if event == "terminated" {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return nil
}

// splitParams splits a header value's leading token from its ";param=value"
// tail, e.g. "active;expires=600" -> ("active", "expires=600").
func splitParams(value string) (token string, params string) {
	i := strings.IndexByte(value, ';')
	if i < 0 {
		return strings.TrimSpace(value), ""
	}
	return strings.TrimSpace(value[:i]), value[i+1:]
}

// parseSipfragStatus extracts the status code from a message/sipfrag body's
// status line, e.g. "SIP/2.0 200 OK" -> 200.
func parseSipfragStatus(body []byte) (int, bool) {
	line := strings.TrimSpace(string(body))
	if nl := strings.IndexAny(line, "\r\n"); nl >= 0 {
		line = line[:nl]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Subscribe sends a SUBSCRIBE for event and, on a 2xx response, registers a
// Subscription that ReadNotify will feed. Per RFC 3265 S.3.1.1, a 2xx to
// SUBSCRIBE only confirms the notifier accepted the request, not that the
// subscription is yet active - the first NOTIFY carries that state.
func (ua *DialogUA) Subscribe(ctx context.Context, recipient sip.Uri, event string, expiresSeconds uint32, headers ...sip.Header) (*Subscription, error) {
	req := sip.NewRequest(sip.SUBSCRIBE, recipient)
	req.AppendHeader(&ua.ContactHDR)
	req.AppendHeader(sip.NewHeader("Event", event))
	expires := sip.ExpiresHeader(expiresSeconds)
	req.AppendHeader(&expires)
	for _, h := range headers {
		req.AppendHeader(h)
	}

	res, err := ua.Client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, &ErrDialogResponse{Res: res}
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(id, event)
	ua.subscriptions.Store(subscriptionKey(id, event), sub)
	return sub, nil
}

// Refer sends a REFER within an already-confirmed dialog and registers the
// implicit subscription RFC 3515 S.2.4.4 requires the referrer create for
// the resulting "refer" event package, reusing the owning dialog's ID since
// the REFER is itself an in-dialog request.
func (s *DialogClientSession) Refer(ctx context.Context, target sip.Uri, headers ...sip.Header) (*Subscription, error) {
	refer := sip.NewRequest(sip.REFER, s.InviteRequest.Recipient)
	refer.AppendHeader(sip.NewHeader("Refer-To", target.String()))
	for _, h := range headers {
		refer.AppendHeader(h)
	}

	res, err := s.Do(ctx, refer)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, &ErrDialogResponse{Res: res}
	}

	sub := newSubscription(s.ID, "refer")
	s.UA.subscriptions.Store(subscriptionKey(s.ID, "refer"), sub)
	return sub, nil
}

// ReadNotify matches an inbound NOTIFY to its registered Subscription,
// advances its state, and answers 200 OK (or 481 if no such subscription is
// known, per RFC 3265 S.3.2.4). Subscriptions in this package are always
// subscriber-side (created by Subscribe/Refer, both UAC operations), so the
// dialog ID is read the same way DialogUA.ReadBye reads one for a
// client-originated dialog.
func (ua *DialogUA) ReadNotify(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.UACReadRequestDialogID(req)
	if err != nil {
		return errors.Join(ErrDialogOutsideDialog, err)
	}

	ev := req.GetHeader("Event")
	event := ""
	if ev != nil {
		event, _ = splitParams(ev.Value())
	}

	val, ok := ua.subscriptions.Load(subscriptionKey(id, event))
	if !ok {
		res := sip.NewResponseFromRequest(req, int(sip.StatusCallTransactionDoesNotExists), "Subscription Does Not Exist", nil)
		return tx.Respond(res)
	}
	sub := val.(*Subscription)

	if err := sub.onNotify(req); err != nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusBadRequest), "Bad Request", nil)
		if tErr := tx.Respond(res); tErr != nil {
			return tErr
		}
		return err
	}

	if sub.State() == SubscriptionStateTerminated {
		ua.subscriptions.Delete(subscriptionKey(id, event))
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	return tx.Respond(res)
}

func subscriptionKey(dialogID, event string) string {
	return dialogID + "|" + event
}
