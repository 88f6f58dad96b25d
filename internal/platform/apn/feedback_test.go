package apn

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harborgate/go-apn-service/pkg/subscription"
)

func feedbackRecord(t *testing.T, timestamp uint32, token string) []byte {
	t.Helper()
	record := make([]byte, feedbackFrameLength)
	binary.BigEndian.PutUint32(record[0:4], timestamp)
	binary.BigEndian.PutUint16(record[4:6], tokenLength)
	copy(record[6:], mustHex(t, token))
	return record
}

func newTestFeedback(dialer Dialer, store subscription.Store, clock Clock, interval time.Duration) *FeedbackConnection {
	return NewFeedbackConnection("CalDAV", store, dialer, clock, interval, newTestLogger())
}

func TestFeedbackPrunesOnlyOlderSubscriptions(t *testing.T) {
	store := new(mockStore)
	conn := newFakeConn()
	conn.feed(feedbackRecord(t, 2000, testToken))
	conn.feedEOF()

	// One subscription predates the feedback timestamp, one was refreshed
	// after it. Only the older one goes.
	store.On("SubscriptionsByToken", mock.Anything, testToken).Return([]subscription.Subscription{
		{Token: testToken, Key: "/CalDAV/calendars.example.com/user01/calendar/", Modified: 1000, SubscriberUID: "user01"},
		{Token: testToken, Key: "/CalDAV/calendars.example.com/user02/calendar/", Modified: 3000, SubscriberUID: "user01"},
	}, nil)
	store.On("RemoveSubscription", mock.Anything, testToken, "/CalDAV/calendars.example.com/user01/calendar/").Return(nil).Once()

	c := newTestFeedback(alwaysDial(conn), store, newFakeClock(), 300*time.Second)
	c.poll()
	c.Stop()

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "RemoveSubscription", mock.Anything, testToken, "/CalDAV/calendars.example.com/user02/calendar/")
}

func TestFeedbackTimestampEqualToModifiedIsKept(t *testing.T) {
	store := new(mockStore)
	conn := newFakeConn()
	conn.feed(feedbackRecord(t, 3000, testToken))
	conn.feedEOF()

	store.On("SubscriptionsByToken", mock.Anything, testToken).Return([]subscription.Subscription{
		{Token: testToken, Key: testKey, Modified: 3000, SubscriberUID: "user01"},
	}, nil)

	c := newTestFeedback(alwaysDial(conn), store, newFakeClock(), 300*time.Second)
	c.poll()
	c.Stop()

	store.AssertNotCalled(t, "RemoveSubscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestFeedbackHandlesRecordsSplitAcrossReads(t *testing.T) {
	store := new(mockStore)
	conn := newFakeConn()
	stream := append(feedbackRecord(t, 5000, testToken), feedbackRecord(t, 5000, testTokenB)...)
	// Split mid-record.
	conn.feed(stream[:20])
	conn.feed(stream[20:])
	conn.feedEOF()

	store.On("SubscriptionsByToken", mock.Anything, testToken).Return([]subscription.Subscription{
		{Token: testToken, Key: testKey, Modified: 1000, SubscriberUID: "user01"},
	}, nil)
	store.On("SubscriptionsByToken", mock.Anything, testTokenB).Return([]subscription.Subscription{
		{Token: testTokenB, Key: testKey, Modified: 1000, SubscriberUID: "user02"},
	}, nil)
	store.On("RemoveSubscription", mock.Anything, testToken, testKey).Return(nil).Once()
	store.On("RemoveSubscription", mock.Anything, testTokenB, testKey).Return(nil).Once()

	c := newTestFeedback(alwaysDial(conn), store, newFakeClock(), 300*time.Second)
	c.poll()
	c.Stop()

	store.AssertExpectations(t)
}

func TestFeedbackSkipsMalformedRecord(t *testing.T) {
	store := new(mockStore)
	conn := newFakeConn()
	bad := feedbackRecord(t, 2000, testToken)
	binary.BigEndian.PutUint16(bad[4:6], 16) // wrong token length
	conn.feed(bad)
	conn.feed(feedbackRecord(t, 2000, testTokenB))
	conn.feedEOF()

	store.On("SubscriptionsByToken", mock.Anything, testTokenB).Return([]subscription.Subscription{}, nil)

	c := newTestFeedback(alwaysDial(conn), store, newFakeClock(), 300*time.Second)
	c.poll()
	c.Stop()

	// The malformed record is dropped; the following record still decodes.
	store.AssertCalled(t, "SubscriptionsByToken", mock.Anything, testTokenB)
	store.AssertNotCalled(t, "SubscriptionsByToken", mock.Anything, testToken)
}

func TestFeedbackReschedulesAfterEachPass(t *testing.T) {
	clock := newFakeClock()
	store := new(mockStore)
	dials := 0
	dialer := dialerFunc(func(context.Context) (net.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	})

	c := newTestFeedback(dialer, store, clock, 300*time.Second)
	c.poll()
	require.Equal(t, 1, dials)

	// Failure still schedules the next pass.
	clock.Advance(300 * time.Second)
	assert.Equal(t, 2, dials)
	clock.Advance(300 * time.Second)
	assert.Equal(t, 3, dials)

	// Stop cancels the pending pass for good.
	c.Stop()
	clock.Advance(600 * time.Second)
	assert.Equal(t, 3, dials)
}
