package sipgo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sipstack/dialog/sip"
	"github.com/sipstack/dialog/transaction"
	"github.com/icholy/digest"
)

type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	ua       *DialogUA

	// rseqCounter hands out strictly increasing RSeq values (RFC 3262 S.3)
	// for every reliable provisional response this dialog sends.
	rseqCounter atomic.Uint32
}

// ReadAck should be called from your OnAck handler to confirm the dialog.
// Acks are normally just absorbed, but in case of proxy they still need to be passed.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	if s.LoadState() == sip.DialogStateTerminated {
		// A late ACK for a dialog we already terminated (BYE raced the 2xx's
		// ACK, or the ACK was simply delayed): absorbed during the linger
		// window kept alive by Close, not an error.
		return nil
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye should be called from your OnBye handler to terminate the dialog.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if s.LoadState() == sip.DialogStateTerminated {
		// Duplicate/late BYE during the linger window: we already answered
		// once, just ack it again rather than erroring.
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		return tx.Respond(res)
	}

	// Make sure this is bye for this dialog
	if req.CSeq().SeqNo != (s.lastCSeqNo.Load() + 1) {
		res := sip.NewResponseFromRequest(req, int(sip.StatusBadRequest), "Cseq is incorect", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return errors.Join(ErrSequence, ErrDialogInvalidCseq)
	}

	defer s.Close()
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateTerminated)

	return nil
}

// authDigest validates the Authorization header on the initial INVITE
// against chal using auth.Username/auth.Password, sending 401 itself when
// the header is missing or the credentials don't match.
// https://www.rfc-editor.org/rfc/rfc2617#page-6
func (s *DialogServerSession) authDigest(chal *digest.Challenge, auth digest.Options) error {
	req := s.InviteRequest
	h := req.GetHeader("Authorization")
	if h == nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusUnauthorized), "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		if err := s.WriteResponse(res); err != nil {
			return err
		}
		return fmt.Errorf("no Authorization header")
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		s.WriteResponse(sip.NewResponseFromRequest(req, int(sip.StatusUnauthorized), "Bad credentials", nil))
		return fmt.Errorf("parsing credentials failed: %w", err)
	}

	digCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: auth.Username,
		Password: auth.Password,
	})
	if err != nil {
		s.WriteResponse(sip.NewResponseFromRequest(req, int(sip.StatusUnauthorized), "Bad credentials", nil))
		return fmt.Errorf("computing digest failed: %w", err)
	}

	if cred.Response != digCred.Response {
		s.WriteResponse(sip.NewResponseFromRequest(req, int(sip.StatusUnauthorized), "Unauthorized", nil))
		return fmt.Errorf("digest response mismatch")
	}

	return nil
}

// TransactionRequest is doing client DIALOG request based on RFC
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
// This ensures that you have proper request done within dialog
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{
			SeqNo:      s.InviteRequest.CSeq().SeqNo,
			MethodName: req.Method,
		}
		req.AppendHeader(cseq)
	}

	// For safety make sure we are starting with our last dialog cseq num
	cseq.SeqNo = s.lastCSeqNo.Load()

	if !req.IsAck() && !req.IsCancel() {
		// Do cseq increment within dialog
		cseq.SeqNo = s.lastCSeqNo.Load() + 1
	}

	// In-dialog requests carry the dialog's Call-ID
	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1.1
	// UAS route set is the INVITE's Record-Route list, kept in order
	if len(req.GetHeaders("Route")) == 0 {
		for _, recordRoute := range s.InviteRequest.GetHeaders("Record-Route") {
			req.AppendHeader(sip.NewHeader("Route", recordRoute.Value()))
		}
	}

	// Check Route Header
	// Should be handled by transport layer but here we are making this explicit
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	// TODO check correct behavior strict routing vs loose routing
	// recordRoute := req.RecordRoute()
	// if recordRoute != nil {
	// 	if recordRoute.Address.UriParams.Has("lr") {
	// 		bye.AppendHeader(&sip.RouteHeader{Address: recordRoute.Address})
	// 	} else {
	// 		/* TODO
	// 		   If the route set is not empty, and its first URI does not contain the
	// 		   lr parameter, the UAC MUST place the first URI from the route set
	// 		   into the Request-URI, stripping any parameters that are not allowed
	// 		   in a Request-URI.  The UAC MUST add a Route header field containing
	// 		   the remainder of the route set values in order, including all
	// 		   parameters.  The UAC MUST then place the remote target URI into the
	// 		   Route header field as the last value.
	// 		*/
	// 	}
	// }

	s.lastCSeqNo.Store(cseq.SeqNo)
	// Passing option to avoid CSEQ apply
	return s.ua.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.ua.Client.WriteRequest(req)
}

// Close is always good to call for cleanup or terminating dialog state.
// The dialog entry is not dropped immediately: it moves into a DialogLinger
// window so a late ACK or a BYE retransmission the peer sends before seeing
// our response still matches an existing dialog instead of getting
// ErrDialogDoesNotExists, and is only dropped for good once that elapses.
func (s *DialogServerSession) Close() error {
	s.ua.serverDialogs.Delete(s.ID)
	s.ua.Timers.Cancel(s.ID, TimerKindEarlyTimeout)
	s.ua.Timers.Cancel(s.ID, TimerKindPrackWait)
	s.ua.registry.earlyDialogs.Delete(s.ID)
	s.ua.registry.pendingReliable.Delete(s.ID)
	s.ua.registry.lingerDialog(s.ID, s, DefaultDialogLinger)
	s.ua.Timers.Schedule(s.ID, TimerKindLinger, DefaultDialogLinger, func() {
		s.ua.registry.dropLingering(s.ID)
	})
	return nil
}

// Respond should be called for Invite request, you may want to call this multiple times like
// 100 Progress or 180 Ringing
// 2xx for creating dialog or other code in case failure
//
// In case Cancel request received: ErrDialogCanceled is responded
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Must copy Record-Route headers. Done by this command
	res := sip.NewResponseFromRequest(s.InviteRequest, int(statusCode), reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondReliable sends a provisional response reliably (RFC 3262): it
// carries Require: 100rel and a fresh RSeq, and is retransmitted at T1,
// 2T1, 4T1... capped at T2 (the same backoff shape transaction.Timer_G uses
// for a 2xx retransmission) until the peer's PRACK arrives or the dialog's
// reliable-response budget (transaction.Timer_H) runs out, at which point
// the dialog is torn down as if the peer never answered.
func (s *DialogServerSession) RespondReliable(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	if statusCode < 100 || statusCode >= 200 {
		return fmt.Errorf("RespondReliable requires a provisional status code, got %d", statusCode)
	}
	rseq := s.rseqCounter.Add(1)
	res := createReliableProvisionalResponse(s.InviteRequest, statusCode, reason, body, rseq, headers)
	return s.sendReliableProvisionalResponse(res, rseq)
}

// RespondSDP is just wrapper to call 200 with SDP.
// It is better to use this when answering as it provide correct headers
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing you custom response
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		// Add our default contact header
		res.AppendHeader(&s.ua.ContactHDR)
	}

	s.Dialog.InviteResponse = res

	// Do we have cancel in meantime
	select {
	case req := <-tx.Cancels():
		tx.Respond(sip.NewResponseFromRequest(req, int(sip.StatusOK), "OK", nil))
		return ErrDialogCanceled
	case <-tx.Done():
		// There must be some error
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			if err := tx.Respond(res); err != nil {
				return err
			}
			// RFC 3261 S.12.1.1: a 1xx carrying a to-tag moves Null -> Early.
			// This module pre-assigns the to-tag at ReadInvite time, so the
			// dialog ID itself does not change here, only the state.
			if s.LoadState() == sip.DialogStateNull {
				if to := res.To(); to != nil {
					if _, ok := to.Params.Get("tag"); ok {
						s.setState(sip.DialogStateEarly)
						s.ua.registry.earlyDialogs.Store(s.ID, s)
						s.ua.Timers.Schedule(s.ID, TimerKindEarlyTimeout, DefaultEarlyTimeout, func() {
							s.endWithCause(fmt.Errorf("early dialog timed out waiting for final response"))
						})
					}
				}
			}
			return nil
		}

		// For final non-2xx response: Null/Early -> Terminated.
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.ua.Timers.Cancel(s.ID, TimerKindEarlyTimeout)
		s.ua.registry.earlyDialogs.Delete(s.ID)
		s.setState(sip.DialogStateTerminated)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.ua.Timers.Cancel(s.ID, TimerKindEarlyTimeout)
	s.ua.registry.earlyDialogs.Delete(s.ID)
	s.setState(sip.DialogStateConfirmed)
	if err := tx.Respond(res); err != nil {
		// We could also not delete this as Close will handle cleanup
		s.ua.serverDialogs.Delete(id)
		return err
	}

	return nil
}

func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateTerminated {
		return nil
	}

	if sip.DialogState(state) != sip.DialogStateConfirmed {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// This is tricky
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// However, the callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		state = s.state.Load()
		if sip.DialogState(state) < sip.DialogStateConfirmed {
			select {
			case <-s.inviteTx.Done():
				// Wait until we timeout
			case <-time.After(transaction.T1):
				// Recheck state
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	bye := newByeRequestUAS(req, res)

	// Check that we have still match same dialog
	callidHDR := bye.CallID()
	newFrom := bye.From()
	newTo := bye.To()
	newFromTag, _ := newFrom.Params.Get("tag")
	newToTag, _ := newTo.Params.Get("tag")
	byeID := sip.MakeDialogID(callidHDR.Value(), newFromTag, newToTag)
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate() // Terminates current transaction

	// s.setState(sip.DialogStateTerminated)

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateTerminated)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newCancelRequest builds a CANCEL for a still-pending request.
func newCancelRequest(requestForCancel *sip.Request) *sip.Request {
	return sip.NewCancelRequest(requestForCancel)
}

// newByeRequestUAS generates request for UAS within dialog
// it does not add VIA header, as this must be handled by transport layer
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	// We must check record route header
	// https://datatracker.ietf.org/doc/html/rfc2543#section-6.13
	cont := req.Contact()
	bye := sip.NewRequest(sip.BYE, cont.Address)

	// Reverse from and to
	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	}

	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	}

	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(callid)

	return bye
}
