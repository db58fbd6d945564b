package sipgo

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sipstack/dialog/sip"
)

// mergeRegistry implements the UAS-side loop/merge detection of
// RFC 3261 S.8.2.2.2: a request is a "merged request" if it carries a
// Call-ID, From-tag and CSeq already seen for a pre-dialog (no to-tag)
// INVITE, but arrives with a different Via branch - the signature of two
// forked copies of the same request reaching the same UAS along different
// paths. The second (and any later) copy must be rejected with a 482.
//
// Grounded on arzzra-soft_phone's Stack.dialogs/findDialogByKey index
// (pkg/dialog/stack.go), generalized from a dialog-id keyed map to the
// (Call-ID, From-tag, CSeq) keyed map RFC 3261 actually specifies for merge
// detection, since a merge check runs before any dialog exists yet.
type mergeRegistry struct {
	mu      sync.Mutex
	entries map[mergeKey]string // value is the accepted branch
}

type mergeKey struct {
	callID  string
	fromTag string
	cseq    uint64
	method  sip.RequestMethod
}

func mergeKeyFromRequest(req *sip.Request) (mergeKey, bool) {
	from := req.From()
	cseq := req.CSeq()
	if from == nil || cseq == nil {
		return mergeKey{}, false
	}
	fromTag, _ := from.Params.Get("tag")
	if fromTag == "" {
		return mergeKey{}, false
	}
	return mergeKey{
		callID:  req.CallID().Value(),
		fromTag: fromTag,
		cseq:    cseq.SeqNo,
		method:  cseq.MethodName,
	}, true
}

func requestBranch(req *sip.Request) string {
	via := req.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

// checkMerged registers the request's (Call-ID, From-tag, CSeq) the first
// time it is seen and reports whether a *different* branch already claimed
// that identity - i.e. whether req is a merged retransmission of a forked
// request that must be answered 482 Loop Detected instead of processed.
func (m *mergeRegistry) checkMerged(req *sip.Request) bool {
	key, ok := mergeKeyFromRequest(req)
	if !ok {
		// Can't evaluate without a From-tag/CSeq; let it through.
		return false
	}
	branch := requestBranch(req)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[mergeKey]string)
	}

	seenBranch, exists := m.entries[key]
	if !exists {
		m.entries[key] = branch
		return false
	}
	return seenBranch != branch
}

// forget drops the merge-detection entry for a request once its dialog has
// moved past the pre-dialog stage (entries would otherwise accumulate for
// the lifetime of the process).
func (m *mergeRegistry) forget(req *sip.Request) {
	key, ok := mergeKeyFromRequest(req)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// forkTracker tracks the sibling dialogs a single client INVITE transaction
// forks into when more than one UAS answers with a distinct to-tag
// (RFC 3261 S.12.1.2, RFC 5057 S.5.1). One is created lazily on the root
// DialogClientSession the caller holds; every dialog forked off it
// (DialogClientSession.originalDialog) is indexed here by its full dialog ID
// (the to-tag distinguishes branches), alongside a fingerprint set so a
// retransmitted forked response is not reprocessed as a new branch.
type forkTracker struct {
	mu       sync.Mutex
	branches map[string]*DialogClientSession
	seen     map[string]struct{}
}

func newForkTracker() *forkTracker {
	return &forkTracker{
		branches: make(map[string]*DialogClientSession),
		seen:     make(map[string]struct{}),
	}
}

// forkFingerprint identifies one response instance for retransmission
// detection: dialog ID + CSeq, since the same branch retransmitting its
// provisional is not a new fork.
func forkFingerprint(res *sip.Response) string {
	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return ""
	}
	seq := uint64(0)
	if cseq := res.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	return id + sip.TxSeperator + strconv.FormatUint(seq, 10)
}

// checkRetransmissionForForking reports whether res has already been
// recorded for this fork set, registering its fingerprint if not.
func (f *forkTracker) checkRetransmissionForForking(res *sip.Response) bool {
	fp := forkFingerprint(res)
	if fp == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[fp]; ok {
		return true
	}
	f.seen[fp] = struct{}{}
	return false
}

func (f *forkTracker) branch(id string) *DialogClientSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[id]
}

func (f *forkTracker) store(id string, s *DialogClientSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[id] = s
}

// len reports how many forked branches this transaction has produced so far.
func (f *forkTracker) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.branches)
}

// dialogRegistry is the UAS-side counterpart of forkTracker: the indexes a
// DialogUA keeps over every dialog it owns, early or confirmed, plus the
// bookkeeping needed to let a late ACK/BYE still reach a dialog that just
// terminated (DialogLinger) and a PRACK reach the reliable provisional
// response it acknowledges.
//
// serverDialogs/clientDialogs live directly as fields on DialogUA (indexed
// by the alias dialogID==confirmed dialog ID, already keyed there since the
// donor shape this was adapted from uses plain sync.Map fields for them);
// this type owns the three indexes that concept was previously missing.
type dialogRegistry struct {
	// earlyDialogs indexes a server dialog by its early-dialog ID
	// (call-id:local-tag, see sip.EarlyDialogIDMake), before the remote tag
	// needed to compute the full dialog ID is known.
	earlyDialogs sync.Map

	// pendingReliable indexes a dialog's in-flight reliable provisional
	// response (RFC 3262) by dialog ID, awaiting its PRACK.
	pendingReliable sync.Map

	// lingering holds a server dialog past DialogUA.ReadBye/Close for
	// DefaultDialogLinger, so a late ACK/BYE retransmission still finds it
	// instead of getting ErrDialogDoesNotExists.
	lingering sync.Map
}

type lingerEntry struct {
	dialog    *DialogServerSession
	expiresAt time.Time
}

func (r *dialogRegistry) lingerDialog(id string, s *DialogServerSession, ttl time.Duration) {
	r.lingering.Store(id, &lingerEntry{dialog: s, expiresAt: time.Now().Add(ttl)})
}

func (r *dialogRegistry) loadLingering(id string) *DialogServerSession {
	val, ok := r.lingering.Load(id)
	if !ok {
		return nil
	}
	return val.(*lingerEntry).dialog
}

func (r *dialogRegistry) dropLingering(id string) {
	r.lingering.Delete(id)
}

// auditLeaks scans the lingering index for entries whose linger window has
// elapsed without being cleaned up (e.g. the linger timer callback was never
// scheduled, or panicked), logging and removing each - the backstop the
// registry's own timers are not meant to need in normal operation.
func (r *dialogRegistry) auditLeaks() int {
	n := 0
	now := time.Now()
	r.lingering.Range(func(key, value any) bool {
		entry := value.(*lingerEntry)
		if now.After(entry.expiresAt) {
			log.Warn().Str("dialog_id", entry.dialog.ID).Msg("leak auditor: lingering dialog outlived its linger window, dropping")
			r.lingering.Delete(key)
			n++
		}
		return true
	})
	return n
}

// startLeakAuditor runs auditLeaks on interval until stop is called.
func (r *dialogRegistry) startLeakAuditor(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.auditLeaks()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
