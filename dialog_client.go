package sipgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipstack/dialog/sip"
	"github.com/icholy/digest"
)

// readBye handles a BYE arriving for a dialog we originated as UAC.
// Matched and dispatched by DialogUA.ReadBye.
func (s *DialogClientSession) readBye(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateTerminated)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer s.Close()              // Delete our dialog always
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	return nil
}

type DialogClientSession struct {
	Dialog
	UA       *DialogUA
	inviteTx sip.ClientTransaction

	// originalDialog is non-nil on a forked sibling: a dialog this INVITE's
	// transaction produced because two or more UAS instances answered with
	// distinct to-tags (RFC 3261 S.12.1.2, RFC 5057 S.5). nil on the root
	// session WaitAnswer was called on, which owns forks.
	originalDialog *DialogClientSession
	forks          *forkTracker

	// earlyID is the call-id:local-tag key this session was registered under
	// in UA.registry.earlyDialogs before a response assigned it a full
	// dialog ID (see DialogUA.Invite), cleaned up on Close.
	earlyID string
}

// forkRoot returns the session that owns this INVITE transaction's
// forkTracker: itself, unless it is a forked sibling.
func (s *DialogClientSession) forkRoot() *DialogClientSession {
	if s.originalDialog != nil {
		return s.originalDialog
	}
	return s
}

// Close must be always called in order to cleanup some internal resources
// Consider that this will not send BYE or CANCEL or change dialog state
func (s *DialogClientSession) Close() error {
	s.UA.clientDialogs.Delete(s.ID)
	s.UA.Timers.CancelDialog(s.ID)
	if s.earlyID != "" {
		s.UA.registry.earlyDialogs.Delete(s.earlyID)
	}
	return nil
}

type AnswerOptions struct {
	// OnResponse is invoked for every response received while waiting for the
	// answer. Returning a non-nil error aborts the wait and cancels the
	// transaction.
	OnResponse func(res *sip.Response) error

	// For digest authentication
	Username string
	Password string
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx
// Canceling context while waiting 2xx will send Cancel request
// Returns errors:
// - ErrDialogResponse in case non 2xx response
// - any internal in case waiting answer failed for different reasons
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.UA.Client, s.inviteTx, s.InviteRequest

	var r *sip.Response
	var err error
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			// Send cancel
			defer tx.Terminate()
			if err := tx.Cancel(); err != nil {
				return errors.Join(err, ctx.Err())
			}
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				tx.Terminate()
				return err
			}
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			if err := s.handleForkedProvisional(r); err != nil {
				return err
			}
			continue
		}

		if (r.StatusCode == int(sip.StatusProxyAuthRequired)) && opts.Password != "" {
			h := inviteRequest.GetHeader("Proxy-Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestProxyAuthRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		if r.StatusCode == int(sip.StatusUnauthorized) && opts.Password != "" {
			h := inviteRequest.GetHeader("Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestTransactionRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}

	// A forked final response may confirm a sibling early dialog this same
	// transaction already created on an earlier 1xx carrying the same
	// to-tag (RFC 5057 S.5.1); promote that sibling instead of leaving it
	// stuck in Early if so.
	if root := s.forkRoot(); root.forks != nil {
		if branch := root.forks.branch(id); branch != nil && branch != s {
			branch.inviteTx = tx
			branch.InviteResponse = r
			branch.UA.Timers.Cancel(id, TimerKindEarlyTimeout)
			branch.setState(sip.DialogStateConfirmed)
			branch.UA.clientDialogs.Store(id, branch)
		}
	}

	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.OnState(dialogStateEmitter(&s.UA.Events, id))
	s.UA.Timers.Cancel(id, TimerKindEarlyTimeout)
	s.setState(sip.DialogStateConfirmed)
	s.UA.clientDialogs.Store(id, s)
	return nil
}

// handleForkedProvisional advances the dialog state machine on a 1xx
// carrying a to-tag (RFC 3261 S.12.1.2: Null -> Early), and tracks any
// additional to-tag as a forked sibling dialog (RFC 5057 S.5) sharing this
// INVITE's transaction, each recorded against the root session's forkTracker
// with an originalDialog back-reference so forked 2xx/non-2xx final
// responses can later be matched to the right sibling.
func (s *DialogClientSession) handleForkedProvisional(r *sip.Response) error {
	to := r.To()
	if to == nil {
		return nil
	}
	toTag, ok := to.Params.Get("tag")
	if !ok || toTag == "" {
		// 100 Trying or similar: no to-tag yet, dialog stays Null.
		return nil
	}

	root := s.forkRoot()
	if root.forks == nil {
		root.forks = newForkTracker()
	}
	if root.forks.checkRetransmissionForForking(r) {
		// Retransmission of a forked response already processed.
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}

	branch := root.forks.branch(id)
	if branch == nil {
		branch = &DialogClientSession{
			Dialog: Dialog{
				ID:            id,
				InviteRequest: root.InviteRequest,
			},
			UA:             root.UA,
			inviteTx:       root.inviteTx,
			originalDialog: root,
		}
		branch.Init()
		branch.lastCSeqNo.Store(root.lastCSeqNo.Load())
		root.forks.store(id, branch)
	}

	branch.InviteResponse = r
	branch.OnState(dialogStateEmitter(&branch.UA.Events, id))
	branch.setState(sip.DialogStateEarly)
	branch.UA.clientDialogs.Store(id, branch)
	branch.UA.Timers.Schedule(id, TimerKindEarlyTimeout, DefaultEarlyTimeout, func() {
		branch.endWithCause(fmt.Errorf("early dialog timed out waiting for final response"))
	})
	return nil
}

// Ack sends ack. Use WriteAck for more customizing
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	s.applyRouteSet(ack)
	if err := s.UA.Client.WriteRequest(ack); err != nil {
		// Make sure we close our error
		// s.Close()
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// applyRouteSet rewrites req's Request-URI and Route headers from the
// Record-Route set of the dialog's INVITE response.
// https://datatracker.ietf.org/doc/html/rfc3261#section-12.2.1.1
func (s *DialogClientSession) applyRouteSet(req *sip.Request) {
	hdrs := s.InviteResponse.GetHeaders("Record-Route")
	if len(hdrs) == 0 {
		return
	}

	first := hdrs[len(hdrs)-1].(*sip.RecordRouteHeader)
	if !first.Address.UriParams.Has("lr") {
		req.Recipient = *first.Address.Clone()
	}

	// Ack construction already builds the Route set from Record-Route
	// when the invite request carried none; avoid adding it twice.
	if len(req.GetHeaders("Route")) > 0 {
		return
	}

	for i := len(hdrs) - 1; i >= 0; i-- {
		req.AppendHeader(sip.NewHeader("Route", hdrs[i].Value()))
	}
}

// Do sends an arbitrary request within this dialog (e.g. a re-INVITE or
// INFO) and blocks for the final response, applying dialog CSeq and route
// handling the same way Bye/Ack do.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.applyRouteSet(req)

	if !req.IsAck() && !req.IsCancel() {
		cseq := req.CSeq()
		if cseq == nil {
			cseq = &sip.CSeqHeader{MethodName: req.Method}
			req.AppendHeader(cseq)
		}
		next, err := s.nextCSeq()
		if err != nil {
			return nil, err
		}
		cseq.SeqNo = next
	}

	return s.UA.Client.Do(ctx, req)
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	ua := s.UA
	defer s.Close()

	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateTerminated {
		return nil
	}

	// In case dialog was not updated
	if sip.DialogState(state) != sip.DialogStateConfirmed {
		return errors.Join(ErrDialogState, fmt.Errorf("dialog not confirmed, ACK not sent?"))
	}

	s.applyRouteSet(bye)
	tx, err := ua.Client.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases
	defer tx.Terminate()         // Terminates current transaction

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

func digestProxyAuthRequest(ctx context.Context, client *Client, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	authHeader := res.GetHeader("Proxy-Authenticate")
	chal, err := digest.ParseChallenge(authHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("fail to parse challenge authHeader=%q: %w", authHeader.Value(), err)
	}

	// Reply with digest
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("fail to build digest: %w", err)
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader("Proxy-Authorization")
	req.AppendHeader(sip.NewHeader("Proxy-Authorization", cred.String()))

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(ctx, req, ClientRequestAddVia)
	return tx, err
}

// digestTransactionRequest checks response if 401 and sends digest auth
func digestTransactionRequest(ctx context.Context, client *Client, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	// Get WwW-Authenticate
	wwwAuth := res.GetHeader("WWW-Authenticate")
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("fail to parse chalenge wwwauth=%q: %w", wwwAuth.Value(), err)
	}

	// Reply with digest
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("fail to build digest: %w", err)
	}

	cseq := req.CSeq()
	cseq.SeqNo++
	// newReq := req.Clone()

	req.RemoveHeader("Authorization")
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	// defer req.RemoveHeader("Authorization")

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(context.TODO(), req, ClientRequestAddVia)
	return tx, err
}

// newAckRequestUAC builds the dialog ACK for a 2xx INVITE response.
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	return sip.NewAckRequest(inviteRequest, inviteResponse, body)
}

// newByeRequestUAC creates bye request from established dialog
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
// NOTE: it does not copy Via header. This is left to transport or caller to enforce
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := &inviteRequest.Recipient
	cont := inviteResponse.Contact()
	if cont != nil {
		// BYE is subsequent request
		recipient = &cont.Address
	}

	byeRequest := sip.NewRequest(
		sip.BYE,
		*recipient.Clone(),
	)
	byeRequest.SipVersion = inviteRequest.SipVersion

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteRequest, byeRequest)
	}

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CSeq(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := byeRequest.CSeq()
	cseq.SeqNo = cseq.SeqNo + 1
	cseq.MethodName = sip.BYE

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	return byeRequest
}
