package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

type fakeNotifier struct {
	sent []domain.NotificationPayload
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, p domain.NotificationPayload) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, p)
	return nil
}

type fakeQueue struct {
	rowIDs []int64
}

func (f *fakeQueue) Enqueue(rowID int64, _ string, _ time.Time) {
	f.rowIDs = append(f.rowIDs, rowID)
}

func TestEmitDeliversToAllSinks(t *testing.T) {
	l := setupLog(t)
	notifier := &fakeNotifier{}
	queue := &fakeQueue{}
	fanout := NewFanout(l, notifier, queue, zerolog.Nop())

	a := sampleAlert(time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC))
	a.ID = ""

	emitted, err := fanout.Emit(context.Background(), a)
	require.NoError(t, err)

	assert.NotEmpty(t, emitted.ID, "fanout assigns the event ID")
	assert.NotZero(t, emitted.RowID)

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].Text, "NSE:RELIANCE")
	assert.Contains(t, notifier.sent[0].Text, "1.30%")
	assert.Equal(t, emitted.ID, notifier.sent[0].Tags["alert_id"])

	assert.Equal(t, []int64{emitted.RowID}, queue.rowIDs)
}

func TestEmitNotifierFailureIsNonFatal(t *testing.T) {
	l := setupLog(t)
	notifier := &fakeNotifier{err: errors.New("telegram 502")}
	queue := &fakeQueue{}
	fanout := NewFanout(l, notifier, queue, zerolog.Nop())

	emitted, err := fanout.Emit(context.Background(), sampleAlert(time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)))
	require.NoError(t, err, "notifier failures must not drop the alert")

	// The alert is still logged and still queued for enrichment
	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []int64{emitted.RowID}, queue.rowIDs)
}

func TestEmitLogFailureDropsAlert(t *testing.T) {
	db := newTestDB(t)
	l, err := NewLog(db, database.DefaultRetryConfig(), time.UTC, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close()) // force every append to fail

	notifier := &fakeNotifier{}
	queue := &fakeQueue{}
	fanout := NewFanout(l, notifier, queue, zerolog.Nop())

	_, err = fanout.Emit(context.Background(), sampleAlert(time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)))
	require.Error(t, err)

	assert.Empty(t, notifier.sent, "no notification without a logged row")
	assert.Empty(t, queue.rowIDs, "no enrichment without a logged row")
}
