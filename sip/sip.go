package sip

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"

	// TxSeperator joins the components of a dialog ID (call-id:local-tag:remote-tag).
	TxSeperator = ":"

	// MaxCSeq is the highest CSeq number a SIP message may carry on the wire
	// (RFC 3261 S.8.1.1.5: an unsigned 32-bit value, 2**32 - 1). CSeqHeader.SeqNo
	// is kept as a uint64 internally; ValidateCSeq enforces this bound at the
	// wire boundary and wherever a dialog advances its own CSeq.
	MaxCSeq uint64 = 1<<32 - 1
)

// ErrCSeqOverflow is returned by ValidateCSeq when a CSeq number would exceed
// MaxCSeq.
var ErrCSeqOverflow = fmt.Errorf("CSeq exceeds maximum permitted value 2**32 - 1")

// ValidateCSeq rejects a CSeq number that would exceed the wire-format bound
// RFC 3261 S.8.1.1.5 places on it.
func ValidateCSeq(seqNo uint64) error {
	if seqNo > MaxCSeq {
		return ErrCSeqOverflow
	}
	return nil
}

var SIPDebug bool

// SIPTracer allows a host application to observe raw wire traffic, independent
// of the zerolog-based component loggers used elsewhere in this module.
type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

var siptracer SIPTracer

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
	}
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
	}
}

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	generateBranchStringWrite(sb, n)
	return sb.String()
}

func generateBranchStringWrite(sb *strings.Builder, n int) {
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// DialogIDFromResponse creates dialog ID of message.
// returns error if callid or to tag or from tag does not exists
func DialogIDFromResponse(msg *Response) (string, error) {
	var callID, toTag, fromTag string = "", "", ""
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS creates dialog ID of message if receiver has UAS role.
// returns error if callid or to tag or from tag does not exists
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	var callID, toTag, fromTag string = "", "", ""
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC creates dialog ID of message if receiver has UAC role.
// returns error if callid or to tag or from tag does not exists
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	var callID, toTag, fromTag string = "", "", ""
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, fromTag, toTag), nil
}

func getDialogIDFromMessage(msg Message, callId, toHeaderTag, fromHeaderTag *string) error {
	callID := msg.CallID()
	if callID == nil {
		return fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return fmt.Errorf("missing To header")
	}

	toTag, ok := to.Params.Get("tag")
	if !ok {
		return fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return fmt.Errorf("missing From header")
	}

	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return fmt.Errorf("missing tag param in From header")
	}
	*callId = string(*callID)
	*toHeaderTag = toTag
	*fromHeaderTag = fromTag
	return nil
}

func DialogIDMake(callID, innerID, externalID string) string {
	return strings.Join([]string{callID, innerID, externalID}, TxSeperator)
}

// MakeDialogID is an alias of DialogIDMake kept for call sites that build a
// dialog ID directly from its three components.
func MakeDialogID(callID, innerID, externalID string) string {
	return DialogIDMake(callID, innerID, externalID)
}

// MakeDialogIDFromResponse is an alias of DialogIDFromResponse.
func MakeDialogIDFromResponse(msg *Response) (string, error) {
	return DialogIDFromResponse(msg)
}

// UASReadRequestDialogID is an alias of DialogIDFromRequestUAS.
func UASReadRequestDialogID(msg *Request) (string, error) {
	return DialogIDFromRequestUAS(msg)
}

// UACReadRequestDialogID is an alias of DialogIDFromRequestUAC.
func UACReadRequestDialogID(msg *Request) (string, error) {
	return DialogIDFromRequestUAC(msg)
}

// MakeDialogIDFromMessage dispatches to the request or response dialog-ID
// builder depending on the concrete message type.
func MakeDialogIDFromMessage(msg Message) (string, error) {
	switch m := msg.(type) {
	case *Request:
		return DialogIDFromRequestUAS(m)
	case *Response:
		return DialogIDFromResponse(m)
	default:
		return "", fmt.Errorf("unsupported message type for dialog id")
	}
}

// EarlyDialogIDMake builds the early-dialog ID: call-id:local-tag, used before
// the remote tag is known.
func EarlyDialogIDMake(callID, localTag string) string {
	return strings.Join([]string{callID, localTag}, TxSeperator)
}

// BranchID returns the branch parameter of a message's topmost Via header, or
// "" if the message has no Via.
func BranchID(msg Message) string {
	via := msg.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

// IsRFC3261Branch reports whether branch carries the RFC 3261 magic cookie
// with at least one character of entropy following it.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		len(branch) > len(RFC3261BranchMagicCookie)
}

// TransactionID implements the branch_id(msg) / transaction_id(msg) rule from
// the identifier algebra: the branch ID if it is RFC 3261 compliant, otherwise
// a hash-equivalent composite key over call-id, to-tag (responses only),
// from-tag, CSeq and the topmost Via, for compatibility with RFC 2543 peers.
func TransactionID(msg Message) (string, error) {
	branch := BranchID(msg)
	if IsRFC3261Branch(branch) {
		cseq := msg.CSeq()
		if cseq == nil {
			return "", fmt.Errorf("missing CSeq header")
		}
		method := cseq.MethodName
		if method == ACK || method == CANCEL {
			method = INVITE
		}
		return strings.Join([]string{branch, string(method)}, TxSeperator), nil
	}
	return rfc2543TransactionID(msg)
}

func rfc2543TransactionID(msg Message) (string, error) {
	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("missing From header")
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("missing tag param in From header")
	}

	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("missing Call-ID header")
	}

	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("missing CSeq header")
	}

	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("missing Via header")
	}

	var sb strings.Builder
	sb.WriteString(fromTag)
	sb.WriteString(TxSeperator)
	sb.WriteString(string(*callID))
	sb.WriteString(TxSeperator)
	sb.WriteString(string(cseq.MethodName))
	sb.WriteString(TxSeperator)
	sb.WriteString(strconv.FormatUint(cseq.SeqNo, 10))
	sb.WriteString(TxSeperator)
	via.ValueStringWrite(&sb)

	if res, ok := msg.(*Response); ok {
		if to := res.To(); to != nil {
			if toTag, ok := to.Params.Get("tag"); ok {
				sb.WriteString(TxSeperator)
				sb.WriteString(toTag)
			}
		}
	}

	return sb.String(), nil
}

// MergeID implements merge_id(msg): call-id + from-tag + CSeq number, used by
// the registry's loop-detection table (RFC 3261 section 8.2.2.2).
func MergeID(msg Message) (string, error) {
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("missing Call-ID header")
	}
	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("missing From header")
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("missing tag param in From header")
	}
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("missing CSeq header")
	}
	return strings.Join([]string{string(*callID), fromTag, strconv.FormatUint(cseq.SeqNo, 10)}, TxSeperator), nil
}

// IsTargetRefresh reports whether method is allowed to refresh a dialog's
// remote target (RFC 3261 section 12.2.1.1, plus UPDATE/SUBSCRIBE).
func IsTargetRefresh(method RequestMethod) bool {
	switch method {
	case INVITE, UPDATE, SUBSCRIBE:
		return true
	default:
		return false
	}
}
