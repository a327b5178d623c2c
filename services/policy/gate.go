// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"time"
)

// allowedOrigins is the fixed provider-endpoint allow-list (spec §4.2). A
// resolved provider URL whose origin falls outside this set is a fatal,
// non-recoverable error.
var allowedOrigins = map[string]bool{
	"api.deepseek.com": true,
	"api.openai.com":   true,
	"api.anthropic.com": true,
}

// RateLimitedError reports that a client must wait before retrying.
type RateLimitedError struct {
	WaitSeconds float64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("policy: rate limited, retry in %.1fs", e.WaitSeconds)
}

// ErrEndpointNotAllowed maps to the endpoint_not_allowed error kind (spec §7).
var ErrEndpointNotAllowed = errors.New("policy: provider endpoint not in allow-list")

// ErrResponseNotJSON maps to the response_malformed error kind (spec §7).
var ErrResponseNotJSON = errors.New("policy: response content-type is not JSON")

// Gate is the Policy Gate component: per-client rate limiting, input
// sanitization, and endpoint/response validation. Gate holds no request
// state of its own beyond the rate ledger; every check is a pure function
// of its inputs (spec §4.2).
type Gate struct {
	ledger *RateLedger
}

// NewGate constructs a Gate with a fresh rate ledger.
func NewGate() *Gate {
	return &Gate{ledger: NewRateLedger()}
}

// Admit runs the rate-limit and input-validation checks for a chat/stream
// request. It returns the sanitized message on success.
func (g *Gate) Admit(clientID, message string, now time.Time) (sanitized string, err error) {
	admitted, waitSeconds := g.ledger.Check(clientID, now)
	if !admitted {
		return "", &RateLimitedError{WaitSeconds: waitSeconds}
	}
	return Sanitize(message)
}

// ValidateEndpoint rejects a provider URL whose origin is not in the
// allow-list. The provider registry resolves the URL; this check is the
// gate's independent confirmation that dispatch is about to talk to a known
// endpoint only.
func ValidateEndpoint(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointNotAllowed, err)
	}
	if !allowedOrigins[parsed.Hostname()] {
		return fmt.Errorf("%w: %s", ErrEndpointNotAllowed, parsed.Hostname())
	}
	return nil
}

// ValidateResponseContentType rejects a provider response whose content-type
// is not JSON.
func ValidateResponseContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return ErrResponseNotJSON
	}
	return nil
}
