package sipgo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sipstack/dialog/sip"
	"github.com/google/uuid"
)

// DialogUA defines UserAgent that will be used in controling your dialog.
// It needs client handle for cancelation or sending more subsequent request during dialog
type DialogUA struct {
	// Client (required) is used to build and send subsequent request (CANCEL, BYE)
	Client *Client
	// ContactHDR (required) is used as default one to build request/response.
	// You can pass custom on each request, but in dialog it is required to be present
	ContactHDR sip.ContactHeader

	// RewriteContact sends request on source IP instead Contact. Should be used when behind NAT.
	RewriteContact bool

	// serverDialogs and clientDialogs index in-progress sessions by dialog ID
	// so subsequent in-dialog requests (ACK, BYE) can be matched and routed.
	serverDialogs sync.Map
	clientDialogs sync.Map

	// Events publishes DialogEstablished/DialogTerminated for every dialog
	// this DialogUA creates or accepts. Register listeners before traffic
	// starts flowing.
	Events Emitter

	// merged deduplicates forked INVITEs per RFC 3261 S.8.2.2.2.
	merged mergeRegistry

	// Timers schedules dialog expiry for every dialog this DialogUA tracks.
	Timers *TimerExecutor

	// registry holds the early-dialog, pending-PRACK and post-terminate
	// linger indexes every server dialog this DialogUA owns needs, plus the
	// leak auditor that sweeps lingering entries its own timers failed to
	// clean up.
	registry dialogRegistry

	stopLeakAuditor func()

	// subscriptions indexes active SUBSCRIBE/REFER subscriptions by
	// dialogID+event, fed by ReadNotify.
	subscriptions sync.Map
}

// NewDialogServer provides a handle for managing UAS dialogs.
// contactHDR is used as the default Contact on responses. client is needed
// for sending in-dialog requests (e.g. BYE originated by us).
// In case handling different transports you should have multiple instances per transport.
func NewDialogServer(client *Client, contactHDR sip.ContactHeader) *DialogUA {
	ua := &DialogUA{
		Client:     client,
		ContactHDR: contactHDR,
		Timers:     newTimerExecutor(),
	}
	ua.stopLeakAuditor = ua.registry.startLeakAuditor(DefaultDialogLinger)
	return ua
}

// NewDialogServerCache is an alias of NewDialogServer.
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogUA {
	return NewDialogServer(client, contactHDR)
}

// NewDialogClient provides a handle for managing UAC dialogs.
// contactHDR must be provided for a correctly formed INVITE.
// In case handling different transports you should have multiple instances per transport.
func NewDialogClient(client *Client, contactHDR sip.ContactHeader) *DialogUA {
	return &DialogUA{
		Client:     client,
		ContactHDR: contactHDR,
		Timers:     newTimerExecutor(),
	}
}

// NewDialogClientCache is an alias of NewDialogClient.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogUA {
	return NewDialogClient(client, contactHDR)
}

func (ua *DialogUA) dialogsLen() int {
	n := 0
	ua.serverDialogs.Range(func(key, value any) bool { n++; return true })
	ua.clientDialogs.Range(func(key, value any) bool { n++; return true })
	return n
}

func (ua *DialogUA) loadServerDialog(id string) *DialogServerSession {
	val, ok := ua.serverDialogs.Load(id)
	if !ok || val == nil {
		// Not an active dialog; it may be one we just terminated and are
		// still holding onto for DefaultDialogLinger so a late in-dialog
		// retransmission still finds it.
		return ua.registry.loadLingering(id)
	}
	return val.(*DialogServerSession)
}

// Close stops this DialogUA's leak auditor. It does not touch any in-flight
// dialog; callers still terminate those individually via BYE/CANCEL.
func (ua *DialogUA) Close() error {
	if ua.stopLeakAuditor != nil {
		ua.stopLeakAuditor()
	}
	return nil
}

func (ua *DialogUA) loadClientDialog(id string) *DialogClientSession {
	val, ok := ua.clientDialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogClientSession)
}

// ReadAck matches an ACK to its registered server dialog and confirms it.
func (ua *DialogUA) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return errors.Join(ErrDialogOutsideDialog, err)
	}
	dt := ua.loadServerDialog(id)
	if dt == nil {
		return ErrDialogDoesNotExists
	}
	return dt.ReadAck(req, tx)
}

// ReadBye matches a BYE against either dialog registry (it may arrive for a
// dialog we originated as UAC or one we answered as UAS) and terminates it.
func (ua *DialogUA) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if id, err := sip.UASReadRequestDialogID(req); err == nil {
		if dt := ua.loadServerDialog(id); dt != nil {
			return dt.ReadBye(req, tx)
		}
	}

	if id, err := sip.UACReadRequestDialogID(req); err == nil {
		if dt := ua.loadClientDialog(id); dt != nil {
			return dt.readBye(req, tx)
		}
	}

	return ErrDialogDoesNotExists
}

type DialogSessionParams struct {
	// InviteReq is the initial INVITE request that started the dialog.
	InviteReq *sip.Request
	// InviteResp is the response to the initial INVITE request.
	InviteResp *sip.Response
	// State is the active dialog state.
	State sip.DialogState
	// CSeq is the last CSeq number to set in dialog.
	CSeq     uint64
	DialogID string
}

// NewServerSession generates a DialogServerSession without creating a transaction for the initial INVITE.
// Only use this if the initial transaction has already been completed.
func (ua *DialogUA) NewServerSession(params DialogSessionParams) (*DialogServerSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpServerTransaction{},
		ua:       ua,
	}
	dtx.InitWithState(params.State)
	dtx.SetCSEQ(params.CSeq)
	ua.serverDialogs.Store(dtx.ID, dtx)

	return dtx, nil
}

func (c *DialogUA) ReadInvite(inviteReq *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	// do some minimal validation
	if inviteReq.Contact() == nil {
		return nil, ErrDialogInviteNoContact
	}
	if inviteReq.CSeq() == nil {
		return nil, fmt.Errorf("no CSEQ header present")
	}

	if c.merged.checkMerged(inviteReq) {
		return nil, ErrDialogMerged
	}

	// Prebuild already to tag for response as it must be same for all responds
	// NewResponseFromRequest will skip this for all 100
	uuid, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
	}
	inviteReq.To().Params.Add("tag", uuid.String())
	id, err := sip.UASReadRequestDialogID(inviteReq)
	if err != nil {
		return nil, err
	}

	select {
	case <-tx.Done():
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, sip.ErrTransactionTerminated
	default:
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id, // this id has already prebuilt tag
			InviteRequest: inviteReq,
		},
		inviteTx: tx,
		ua:       c,
	}
	dtx.Init()
	dtx.OnState(dialogStateEmitter(&c.Events, id))
	dtx.OnState(func(s sip.DialogState) {
		if s == sip.DialogStateTerminated {
			c.Timers.CancelDialog(id)
		}
	})
	c.Timers.Schedule(id, TimerKindDialogExpiry, DefaultDialogExpiry, func() {
		dtx.endWithCause(ErrDialogCanceled)
	})
	c.serverDialogs.Store(id, dtx)
	c.merged.forget(inviteReq)

	if !tx.OnCancel(func(r *sip.Request) {
		state := dtx.LoadState()
		if state < sip.DialogStateConfirmed {
			// It is mostly canceled if transaction died before answer
			// NOTE this only happens if we sent provisional and before final response
			dtx.endWithCause(sip.ErrTransactionCanceled)
		}
	}) {
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction terminated already")
	}

	if !tx.OnTerminate(func(key string, err error) {
		// NOTE: do not call any here tx FSM related functions as they can cause deadlock
		state := dtx.LoadState()
		if state < sip.DialogStateConfirmed {
			// It is mostly canceled if transaction died before answer
			// NOTE this only happens if we sent provisional and before final response
			dtx.endWithCause(nil)
		}
	}) {
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction terminated already")
	}

	// A CANCEL may have arrived before we registered the hooks above; OnCancel
	// replays it synchronously in that case, so surface the resulting state.
	if dtx.LoadState() == sip.DialogStateTerminated {
		if cause := dtx.err(); cause != nil {
			return nil, cause
		}
	}

	return dtx, nil
}

// NewClientSession generates a DialogClientSession without sending out an INVITE.
// Only use this if the initial transaction has already been completed.
func (ua *DialogUA) NewClientSession(params DialogSessionParams) (*DialogClientSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpClientTransaction{},
		UA:       ua,
	}
	dtx.InitWithState(params.State)
	dtx.SetCSEQ(params.CSeq)

	return dtx, nil
}

func (ua *DialogUA) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}

	for _, h := range headers {
		req.AppendHeader(h)
	}
	return ua.WriteInvite(ctx, req)
}

func (c *DialogUA) WriteInvite(ctx context.Context, inviteReq *sip.Request, options ...ClientRequestOption) (*DialogClientSession, error) {
	if inviteReq.Contact() == nil {
		// Set contact only if not exists
		inviteReq.AppendHeader(&c.ContactHDR)
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteReq,
		},
		UA: c,
	}
	// Init our dialog
	dtx.Dialog.Init()

	return dtx, dtx.Invite(ctx, options...)
}

func (d *DialogClientSession) Invite(ctx context.Context, options ...ClientRequestOption) error {
	cli := d.UA.Client
	inviteReq := d.InviteRequest

	// Index this INVITE under its early-dialog ID (call-id:local-tag) before
	// any response names the remote tag needed for the full dialog ID, so a
	// 1xx arriving before WaitAnswer is pumping already has somewhere to land.
	if from := inviteReq.From(); from != nil {
		if fromTag, ok := from.Params.Get("tag"); ok && fromTag != "" {
			if callID := inviteReq.CallID(); callID != nil {
				earlyID := sip.EarlyDialogIDMake(callID.Value(), fromTag)
				d.earlyID = earlyID
				d.UA.registry.earlyDialogs.Store(earlyID, d)
			}
		}
	}

	var err error
	d.inviteTx, err = cli.TransactionRequest(ctx, inviteReq, options...)
	if err == nil {
		d.lastCSeqNo.Store(inviteReq.CSeq().SeqNo)
	}

	return err
}
