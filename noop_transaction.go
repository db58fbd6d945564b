package sipgo

import "github.com/sipstack/dialog/sip"

type NoOpTransaction struct {
	respCh <-chan *sip.Response
	doneCh <-chan struct{}
}

func (t *NoOpTransaction) Terminate() {}

func (t *NoOpTransaction) Done() <-chan struct{} {
	if t.doneCh != nil {
		return t.doneCh
	}
	doneCh := make(chan struct{})
	close(doneCh)
	return doneCh
}

func (t *NoOpTransaction) Err() error {
	return nil
}

// OnTerminate implements sip.Transaction. The no-op transaction is already
// terminated, so it always reports that.
func (t *NoOpTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return false
}

// Responses implements sip.ClientTransaction interface.
func (t *NoOpTransaction) Responses() <-chan *sip.Response {
	if t.respCh != nil {
		return t.respCh
	}
	respCh := make(chan *sip.Response)
	close(respCh)
	return respCh
}

// OnRetransmission implements sip.ClientTransaction.
func (t *NoOpTransaction) OnRetransmission(f sip.FnTxResponse) bool {
	return false
}

// setResponses sets the response channel for this transaction
func (t *NoOpTransaction) setResponses(ch <-chan *sip.Response) {
	t.respCh = ch
}

// setDone sets the done channel for this transaction
func (t *NoOpTransaction) setDone(ch <-chan struct{}) {
	t.doneCh = ch
}

// NoOpClientTransaction is a sip.ClientTransaction stand-in for sessions
// resumed from state that already completed their initial transaction.
type NoOpClientTransaction struct {
	NoOpTransaction
}

type NoOpServerTransaction struct {
	NoOpTransaction
}

func (t *NoOpServerTransaction) Respond(_ *sip.Response) error {
	return nil
}

func (t *NoOpServerTransaction) Acks() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

// Cancels implements sip.ServerTransaction. The no-op transaction never
// receives a CANCEL.
func (t *NoOpServerTransaction) Cancels() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

// OnCancel implements sip.ServerTransaction. The no-op transaction never
// receives a CANCEL.
func (t *NoOpServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	return false
}
