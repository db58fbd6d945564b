package sipgo

import (
	"strconv"
	"testing"

	"github.com/sipstack/dialog/sip"
	"github.com/sipstack/dialog/siptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestNotify(t testing.TB, callid, ftag, ttag, event, subState, body string) *sip.Request {
	lines := []string{
		"NOTIFY sip:alice@127.0.0.1:5060 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.200:5090;branch=" + sip.GenerateBranch(),
		"From: \"Bob\" <sip:bob@127.0.0.200>;tag=" + ftag,
		"To: \"Alice\" <sip:alice@127.0.0.1>;tag=" + ttag,
		"Call-ID: " + callid,
		"CSeq: 1 NOTIFY",
		"Event: " + event,
		"Subscription-State: " + subState,
	}
	if body != "" {
		lines = append(lines,
			"Content-Type: message/sipfrag",
			"Content-Length: "+strconv.Itoa(len(body)),
			"",
			body,
		)
	} else {
		lines = append(lines, "Content-Length: 0", "", "")
	}
	return testCreateMessage(t, lines).(*sip.Request)
}

func TestSubscriptionFSMTransitions(t *testing.T) {
	sub := newSubscription("dlg1", "refer")
	assert.Equal(t, SubscriptionStatePending, sub.State())

	notify := createTestNotify(t, "call1", "ftag1", "ttag1", "refer", "active;expires=600", "")
	require.NoError(t, sub.onNotify(notify))
	assert.Equal(t, SubscriptionStateActive, sub.State())

	select {
	case <-sub.Done():
		t.Fatal("subscription should not be done while active")
	default:
	}

	final := createTestNotify(t, "call1", "ftag1", "ttag1", "refer", "terminated;reason=noresource", "SIP/2.0 200 OK")
	require.NoError(t, sub.onNotify(final))
	assert.Equal(t, SubscriptionStateTerminated, sub.State())
	assert.Equal(t, 200, sub.FinalCode())

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should be done once terminated")
	}

	// A late duplicate NOTIFY after termination must not error.
	require.NoError(t, sub.onNotify(final))
}

func TestSubscriptionOnNotifyRejectsMissingSubscriptionState(t *testing.T) {
	sub := newSubscription("dlg1", "refer")
	notify := createTestNotify(t, "call1", "ftag1", "ttag1", "refer", "active", "")
	notify.RemoveHeader("Subscription-State")
	err := sub.onNotify(notify)
	assert.Error(t, err)
}

func TestParseSipfragStatus(t *testing.T) {
	code, ok := parseSipfragStatus([]byte("SIP/2.0 180 Ringing\r\n"))
	require.True(t, ok)
	assert.Equal(t, 180, code)

	_, ok = parseSipfragStatus([]byte(""))
	assert.False(t, ok)
}

func TestDialogUAReadNotifyMatchesSubscription(t *testing.T) {
	ua, _ := NewUA()
	defer ua.Close()
	cli, _ := NewClient(ua)
	contact := sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}}
	dua := NewDialogClient(cli, contact)

	notify := createTestNotify(t, "call-notify-1", "bobtag", "alicetag", "refer", "active;expires=60", "")
	id, err := sip.UACReadRequestDialogID(notify)
	require.NoError(t, err)

	sub := newSubscription(id, "refer")
	dua.subscriptions.Store(subscriptionKey(id, "refer"), sub)

	tx := siptest.NewServerTxRecorder(notify)
	err = dua.ReadNotify(notify, tx)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStateActive, sub.State())

	resps := tx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, 200, resps[0].StatusCode)
}

func TestDialogUAReadNotifyUnknownSubscription(t *testing.T) {
	ua, _ := NewUA()
	defer ua.Close()
	cli, _ := NewClient(ua)
	contact := sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}}
	dua := NewDialogClient(cli, contact)

	notify := createTestNotify(t, "call-notify-2", "bobtag2", "alicetag2", "refer", "active", "")
	tx := siptest.NewServerTxRecorder(notify)
	err := dua.ReadNotify(notify, tx)
	require.NoError(t, err)

	resps := tx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, 481, resps[0].StatusCode)
}
