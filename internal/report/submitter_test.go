package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/logger"
)

type fakeSink struct {
	err     error
	submits atomic.Int32
}

func (f *fakeSink) Submit(ctx context.Context, event *SaveEvent) error {
	f.submits.Add(1)
	return f.err
}

func testSubmitter(t *testing.T, sink Sink, maxRetries int) (*Submitter, *Journal) {
	t.Helper()
	journal := testJournal(t)
	cfg := config.ReportConfig{
		BatchSize:      10,
		SubmitInterval: time.Hour, // driven manually via ProcessPending
		MaxRetries:     maxRetries,
	}
	return NewSubmitter(cfg, journal, sink, logger.NewNopLogger()), journal
}

func TestHTTPSink_SubmitPostsJSON(t *testing.T) {
	var payload sinkPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, time.Second, logger.NewNopLogger())
	event := testEvent()
	require.NoError(t, sink.Submit(context.Background(), event))

	assert.Equal(t, event.ID, payload.ID)
	assert.Equal(t, "pothole", payload.ClassLabel)
	assert.Equal(t, base64.StdEncoding.EncodeToString(event.Snapshot), payload.Image)
	assert.Equal(t, 32.08, payload.Lat)
}

func TestHTTPSink_SubmitRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, time.Second, logger.NewNopLogger())
	assert.Error(t, sink.Submit(context.Background(), testEvent()))
}

func TestSubmitter_MarksSubmittedOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	submitter, journal := testSubmitter(t, sink, 3)
	ctx := context.Background()

	require.NoError(t, journal.Append(ctx, testEvent()))
	require.NoError(t, submitter.ProcessPending(ctx))

	assert.Equal(t, int32(1), sink.submits.Load())
	count, err := journal.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSubmitter_RetriesThenDiscards(t *testing.T) {
	sink := &fakeSink{err: errors.New("sink unreachable")}
	submitter, journal := testSubmitter(t, sink, 2)
	ctx := context.Background()

	event := testEvent()
	require.NoError(t, journal.Append(ctx, event))

	// two failed rounds keep it journaled
	require.NoError(t, submitter.ProcessPending(ctx))
	require.NoError(t, submitter.ProcessPending(ctx))
	count, err := journal.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// the third exceeds the cap and discards
	require.NoError(t, submitter.ProcessPending(ctx))
	count, err = journal.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSubmitter_RecoversAfterTransientFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("sink unreachable")}
	submitter, journal := testSubmitter(t, sink, 5)
	ctx := context.Background()

	require.NoError(t, journal.Append(ctx, testEvent()))
	require.NoError(t, submitter.ProcessPending(ctx))

	sink.err = nil
	require.NoError(t, submitter.ProcessPending(ctx))

	count, err := journal.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
