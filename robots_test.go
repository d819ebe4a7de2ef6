package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRobotsGate(t *testing.T) {
	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /checkout\nDisallow: /search?\n\nUser-agent: dropwatch\nDisallow: /launch\n")
	ctx := context.Background()

	gate := NewRobotsGate("")
	assert.True(t, gate.Allowed(ctx, srv.URL+"/p/air-max-1"))
	assert.False(t, gate.Allowed(ctx, srv.URL+"/checkout/shipping"))
	assert.True(t, gate.Allowed(ctx, srv.URL+"/launch/upcoming"))
	assert.Equal(t, int32(1), hits.Load(), "robots.txt is fetched once per host")

	agent := NewRobotsGate("dropwatch")
	assert.False(t, agent.Allowed(ctx, srv.URL+"/launch/upcoming"))
}

func TestRobotsGateFailsOpen(t *testing.T) {
	ctx := context.Background()

	srv5xx, _ := robotsServer(t, http.StatusServiceUnavailable, "")
	assert.True(t, NewRobotsGate("").Allowed(ctx, srv5xx.URL+"/checkout"))

	srv404, _ := robotsServer(t, http.StatusNotFound, "")
	assert.True(t, NewRobotsGate("").Allowed(ctx, srv404.URL+"/checkout"))

	assert.True(t, NewRobotsGate("").Allowed(ctx, "http://127.0.0.1:1/checkout"))
	assert.True(t, NewRobotsGate("").Allowed(ctx, "not a url"))
}

func TestRobotsGateForbidden(t *testing.T) {
	// 401/403 on robots.txt means the whole site is off limits.
	srv, _ := robotsServer(t, http.StatusForbidden, "")
	assert.False(t, NewRobotsGate("").Allowed(context.Background(), srv.URL+"/p/air-max-1"))
}
