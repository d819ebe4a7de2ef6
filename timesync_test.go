package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dateServer answers every request with a Date header shifted by skew.
func dateServer(t *testing.T, skew time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().Add(skew).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTimeSync(t *testing.T) {
	srv := dateServer(t, 0)
	ts := NewTimeSync([]string{srv.URL}, zerolog.Nop())

	assert.False(t, ts.IsSynced(), "should not be synced initially")

	require.NoError(t, ts.Sync(context.Background()))
	assert.True(t, ts.IsSynced())

	// Date has one-second resolution.
	offset := ts.GetOffset()
	assert.InDelta(t, 0, offset.Seconds(), 2)

	diff := ts.Now().Sub(time.Now())
	assert.InDelta(t, 0, diff.Seconds(), 2)
}

func TestTimeSyncMeasuresSkew(t *testing.T) {
	srv := dateServer(t, time.Hour)
	ts := NewTimeSync([]string{srv.URL}, zerolog.Nop())

	require.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, time.Hour.Seconds(), ts.GetOffset().Seconds(), 2)
	assert.InDelta(t, time.Hour.Seconds(), ts.Now().Sub(time.Now()).Seconds(), 2)
}

func TestTimeSyncAveragesServers(t *testing.T) {
	ahead := dateServer(t, time.Hour)
	behind := dateServer(t, -30*time.Minute)
	ts := NewTimeSync([]string{ahead.URL, behind.URL}, zerolog.Nop())

	require.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, (15 * time.Minute).Seconds(), ts.GetOffset().Seconds(), 2)
}

func TestTimeSyncSkipsFailingServers(t *testing.T) {
	good := dateServer(t, 0)
	noDate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Date"] = nil
		w.WriteHeader(http.StatusOK)
	}))
	defer noDate.Close()

	ts := NewTimeSync([]string{noDate.URL, "http://127.0.0.1:1", good.URL}, zerolog.Nop())
	require.NoError(t, ts.Sync(context.Background()))
	assert.True(t, ts.IsSynced())
}

func TestTimeSyncAllServersFail(t *testing.T) {
	ts := NewTimeSync([]string{"http://127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, ts.Sync(context.Background()))
	assert.False(t, ts.IsSynced())
}

func TestTimeSyncResync(t *testing.T) {
	srv := dateServer(t, 0)
	ts := NewTimeSync([]string{srv.URL}, zerolog.Nop())

	assert.True(t, ts.ShouldResync(), "should need to resync when not yet synced")

	require.NoError(t, ts.Sync(context.Background()))
	assert.False(t, ts.ShouldResync(), "should not need to resync immediately after syncing")

	ts.lastSyncTime = time.Now().Add(-2 * time.Hour)
	assert.True(t, ts.ShouldResync(), "should need to resync after 2 hours")
}

func TestTimeSyncBeforeSync(t *testing.T) {
	ts := NewTimeSync(nil, zerolog.Nop())

	diff := ts.Now().Sub(time.Now())
	assert.Less(t, diff.Abs(), 100*time.Millisecond)
	assert.Equal(t, defaultTimeServers, ts.servers)
}
