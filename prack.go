package sipgo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sipstack/dialog/sip"
	"github.com/sipstack/dialog/transaction"
)

// pendingReliableResponse tracks one in-flight reliable provisional response
// (RFC 3262) awaiting its PRACK: enough to validate the eventual RAck and to
// signal the retransmission loop that it can stop.
type pendingReliableResponse struct {
	rseq  uint32
	cseq  *sip.CSeqHeader
	acked chan struct{}
}

// createReliableProvisionalResponse builds a provisional response carrying
// Require: 100rel and the given RSeq (RFC 3262 S.3), the wire shape a PRACK's
// RAck will later echo back.
func createReliableProvisionalResponse(req *sip.Request, statusCode sip.StatusCode, reason string, body []byte, rseq uint32, headers []sip.Header) *sip.Response {
	res := sip.NewResponseFromRequest(req, int(statusCode), reason, body)
	res.AppendHeader(sip.NewHeader("Require", "100rel"))
	res.AppendHeader(sip.NewHeader("RSeq", strconv.FormatUint(uint64(rseq), 10)))
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return res
}

// sendReliableProvisionalResponse sends res over the INVITE server
// transaction and retransmits it at T1, 2T1, 4T1... capped at T2 - the same
// backoff shape transaction.ServerTx uses for its own Timer_G retransmission
// of a non-2xx final response - until the matching PRACK arrives or transaction.Timer_H worth of
// time has passed without one, at which point the dialog is torn down as if
// the peer never reliably received the response.
func (s *DialogServerSession) sendReliableProvisionalResponse(res *sip.Response, rseq uint32) error {
	tx := s.inviteTx
	if err := tx.Respond(res); err != nil {
		return err
	}

	pending := &pendingReliableResponse{
		rseq:  rseq,
		cseq:  s.InviteRequest.CSeq(),
		acked: make(chan struct{}),
	}
	s.ua.registry.pendingReliable.Store(s.ID, pending)

	deadline := time.Now().Add(transaction.Timer_H)

	var retransmit func(interval time.Duration)
	retransmit = func(interval time.Duration) {
		s.ua.Timers.Schedule(s.ID, TimerKindPrackWait, interval, func() {
			select {
			case <-pending.acked:
				return
			default:
			}
			if time.Now().After(deadline) {
				s.ua.registry.pendingReliable.Delete(s.ID)
				s.endWithCause(fmt.Errorf("reliable provisional response timed out waiting for PRACK"))
				return
			}
			if err := tx.Respond(res); err != nil {
				return
			}
			next := interval * 2
			if next > transaction.T2 {
				next = transaction.T2
			}
			retransmit(next)
		})
	}
	retransmit(transaction.Timer_G)

	return nil
}

// ReadPrack matches an incoming PRACK to its dialog's pending reliable
// provisional response and should be called from your OnPrack handler.
func (ua *DialogUA) ReadPrack(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return errors.Join(ErrDialogOutsideDialog, err)
	}
	dt := ua.loadServerDialog(id)
	if dt == nil {
		res := sip.NewResponseFromRequest(req, int(sip.StatusCallTransactionDoesNotExists), "Call/Transaction Does Not Exist", nil)
		return tx.Respond(res)
	}
	return dt.ReadPrack(req, tx)
}

// ReadPrack validates req's RAck against this dialog's pending reliable
// provisional response (RFC 3262 S.4), responding 200 and releasing the
// retransmission timer on a match, 481 if nothing is pending, and 400 if the
// RAck is malformed or does not match.
func (s *DialogServerSession) ReadPrack(req *sip.Request, tx sip.ServerTransaction) error {
	val, ok := s.ua.registry.pendingReliable.LoadAndDelete(s.ID)
	if !ok {
		res := sip.NewResponseFromRequest(req, int(sip.StatusCallTransactionDoesNotExists), "No reliable response pending", nil)
		return tx.Respond(res)
	}
	pending := val.(*pendingReliableResponse)

	rack := req.GetHeader("RAck")
	if rack == nil {
		s.ua.registry.pendingReliable.Store(s.ID, pending)
		res := sip.NewResponseFromRequest(req, int(sip.StatusBadRequest), "Missing RAck", nil)
		return tx.Respond(res)
	}

	fields := strings.Fields(rack.Value())
	if len(fields) != 3 {
		s.ua.registry.pendingReliable.Store(s.ID, pending)
		res := sip.NewResponseFromRequest(req, int(sip.StatusBadRequest), "Malformed RAck", nil)
		return tx.Respond(res)
	}

	rseq, rseqErr := strconv.ParseUint(fields[0], 10, 32)
	cseqNo, cseqErr := strconv.ParseUint(fields[1], 10, 32)
	method := sip.RequestMethod(fields[2])

	if rseqErr != nil || cseqErr != nil || uint32(rseq) != pending.rseq ||
		cseqNo != pending.cseq.SeqNo || method != pending.cseq.MethodName {
		s.ua.registry.pendingReliable.Store(s.ID, pending)
		res := sip.NewResponseFromRequest(req, int(sip.StatusBadRequest), "RAck does not match", nil)
		return tx.Respond(res)
	}

	close(pending.acked)
	s.ua.Timers.Cancel(s.ID, TimerKindPrackWait)

	res := sip.NewResponseFromRequest(req, int(sip.StatusOK), "OK", nil)
	return tx.Respond(res)
}

// AckPrack builds and sends a PRACK acknowledging a reliably-delivered
// provisional response (RFC 3262 S.4), echoing its RSeq/CSeq/method as this
// dialog's RAck. The PRACK's own CSeq follows the dialog's regular
// in-dialog sequencing, independent of the RAck value it carries.
func (s *DialogClientSession) AckPrack(ctx context.Context, provisional *sip.Response) (*sip.Response, error) {
	rseqHdr := provisional.GetHeader("RSeq")
	if rseqHdr == nil {
		return nil, fmt.Errorf("response carries no RSeq, not a reliable provisional")
	}
	provCseq := provisional.CSeq()
	if provCseq == nil {
		return nil, fmt.Errorf("response carries no CSeq")
	}

	recipient := &s.InviteRequest.Recipient
	if cont := provisional.Contact(); cont != nil {
		recipient = &cont.Address
	}

	prack := sip.NewRequest(sip.PRACK, *recipient.Clone())
	prack.SipVersion = s.InviteRequest.SipVersion

	if h := s.InviteRequest.From(); h != nil {
		prack.AppendHeader(sip.HeaderClone(h))
	}
	if h := provisional.To(); h != nil {
		prack.AppendHeader(sip.HeaderClone(h))
	}
	if h := s.InviteRequest.CallID(); h != nil {
		prack.AppendHeader(sip.HeaderClone(h))
	}

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	prack.AppendHeader(&maxForwardsHeader)
	prack.AppendHeader(sip.NewHeader("RAck", fmt.Sprintf("%s %s %s",
		rseqHdr.Value(), strconv.FormatUint(provCseq.SeqNo, 10), provCseq.MethodName)))

	prack.SetTransport(s.InviteRequest.Transport())
	prack.SetSource(s.InviteRequest.Source())

	return s.Do(ctx, prack)
}
