package sip

import (
	"context"
	"errors"
)

// Transaction Layer Errors can be detected and handled with different response on caller side
// https://www.rfc-editor.org/rfc/rfc3261#section-8.1.3.1
var (
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")
)

type FnTxTerminate func(key string, err error)
type FnTxCancel func(r *Request)
type FnTxResponse func(r *Response)

// Transaction is the shared behavior of client and server transactions, RFC
// 3261 section 17.
type Transaction interface {
	// Terminate will terminate transaction
	Terminate()

	// OnTerminate can be registered to be called when transaction terminates.
	// It returns false if transaction already terminated.
	// NOTE: calling tx methods inside this func can deadlock.
	OnTerminate(f FnTxTerminate) bool

	// Done fires when the transaction FSM terminates. Safe to call multiple times.
	Done() <-chan struct{}

	// Err is the error that stopped the transaction, if any.
	Err() error
}

// ServerTransaction is a UAS-side transaction, RFC 3261 section 17.2.
type ServerTransaction interface {
	Transaction

	// Respond sends response. It is expected that it is prebuilt with correct
	// headers. Use NewResponseFromRequest to build the response.
	Respond(res *Response) error
	// Acks returns a channel fed with the ACK request of a non-2xx final
	// response, or the 2xx ACK if the transaction layer absorbed it.
	Acks() <-chan *Request

	// Cancels returns a channel fed with the CANCEL request for this
	// transaction, if one arrives.
	Cancels() <-chan *Request

	// OnCancel fires when a CANCEL request is received for this transaction.
	// Returns false if the transaction is already terminated.
	OnCancel(f FnTxCancel) bool
}

// ServerTransactionContext derives a context that is canceled when tx terminates.
func ServerTransactionContext(tx ServerTransaction) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	done := tx.OnTerminate(func(key string, err error) {
		cancel()
	})
	if !done {
		cancel()
	}
	return ctx
}

// ClientTransaction is a UAC-side transaction, RFC 3261 section 17.1.
type ClientTransaction interface {
	Transaction
	// Responses returns a channel fed with every response received for the transaction.
	Responses() <-chan *Response

	// OnRetransmission registers a hook fired on each retransmitted response.
	OnRetransmission(f FnTxResponse) bool
}

// Connection is the minimal transport-layer socket contract a transaction
// needs: write a message, and participate in reference-counted lifetime.
type Connection interface {
	WriteMsg(msg Message) error
	Ref(i int)
	TryClose() (int, error)
	Close() error
}

// Transport is the minimal contract a transaction layer needs from the
// transport layer underneath it.
type Transport interface {
	GetConnection(network, addr string) (Connection, error)
	ClientRequestConnection(ctx context.Context, req *Request) (Connection, error)
	WriteMsg(msg Message) error
}
