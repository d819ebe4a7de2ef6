package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var defaultTimeServers = []string{
	"https://www.google.com",
	"https://www.cloudflare.com",
	"https://www.amazon.com",
}

// TimeSync estimates the offset between the local clock and retailer-grade
// time servers from their HTTP Date headers.
type TimeSync struct {
	mu           sync.RWMutex
	offset       time.Duration
	lastSyncTime time.Time
	synced       bool

	servers []string
	client  *http.Client
	log     zerolog.Logger
}

func NewTimeSync(servers []string, log zerolog.Logger) *TimeSync {
	if len(servers) == 0 {
		servers = defaultTimeServers
	}
	return &TimeSync{
		servers: servers,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// Sync averages the offsets of every server that answered.
func (ts *TimeSync) Sync(ctx context.Context) error {
	var totalOffset time.Duration
	successCount := 0

	for _, server := range ts.servers {
		offset, err := ts.getTimeOffset(ctx, server)
		if err != nil {
			ts.log.Debug().Err(err).Str("server", server).Msg("time sync failed")
			continue
		}
		totalOffset += offset
		successCount++
		ts.log.Debug().Str("server", server).Dur("offset", offset).Msg("time offset")
	}

	if successCount == 0 {
		return fmt.Errorf("failed to sync time with any of %d servers", len(ts.servers))
	}

	ts.mu.Lock()
	ts.offset = totalOffset / time.Duration(successCount)
	ts.lastSyncTime = time.Now()
	ts.synced = true
	ts.mu.Unlock()

	ts.log.Debug().Dur("offset", ts.GetOffset()).Msg("time synchronized")
	return nil
}

func (ts *TimeSync) getTimeOffset(ctx context.Context, url string) (time.Duration, error) {
	beforeRequest := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := ts.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	afterRequest := time.Now()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return 0, fmt.Errorf("no Date header in response")
	}

	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	// Assume symmetric latency.
	latency := afterRequest.Sub(beforeRequest) / 2
	return serverTime.Sub(beforeRequest.Add(latency)), nil
}

// Now returns local time corrected by the last measured offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.synced {
		return time.Now()
	}
	return time.Now().Add(ts.offset)
}

func (ts *TimeSync) IsSynced() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.synced
}

func (ts *TimeSync) GetOffset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// ShouldResync is true before the first sync and hourly afterwards.
func (ts *TimeSync) ShouldResync() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.synced {
		return true
	}
	return time.Since(ts.lastSyncTime) > time.Hour
}
