// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// redirectingTransport rewrites every outbound request's scheme and host to
// point at a local httptest.Server, so a probe's hardcoded production URL
// can still be exercised without reaching the network.
type redirectingTransport struct {
	targetURL *url.URL
}

func (rt redirectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.targetURL.Scheme
	req.URL.Host = rt.targetURL.Host
	return http.DefaultTransport.RoundTrip(req)
}

func withRedirectingClient(t *testing.T, srv *httptest.Server) {
	t.Helper()
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	prior := probeHTTPClient
	probeHTTPClient = &http.Client{Transport: redirectingTransport{targetURL: target}}
	t.Cleanup(func() { probeHTTPClient = prior })
}

func TestProbeOpenAIShaped_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()
	withRedirectingClient(t, srv)

	err := probeOpenAIShaped(context.Background(), "sk-test", srv.URL)
	require.NoError(t, err)
}

func TestProbeOpenAIShaped_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}))
	defer srv.Close()
	withRedirectingClient(t, srv)

	err := probeOpenAIShaped(context.Background(), "sk-bad", srv.URL)
	require.Error(t, err)
}

func TestProbeAnthropic_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1","content":[]}`))
	}))
	defer srv.Close()
	withRedirectingClient(t, srv)

	err := probeAnthropic(context.Background(), "test-key")
	require.NoError(t, err)
}

func TestProbeAnthropic_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	withRedirectingClient(t, srv)

	err := probeAnthropic(context.Background(), "bad-key")
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestTestConnection_UnknownProvider(t *testing.T) {
	err := TestConnection(context.Background(), "carrier-pigeon", "key")
	require.Error(t, err)
}
