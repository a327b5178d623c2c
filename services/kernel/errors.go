// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package kernel implements the Dispatcher (spec §4.5) and Stream
// Controller (spec §4.6): the two components that turn an admitted request
// into a provider call, weave in conversation history and retries, and
// account cost, either as a single exchange or as a long-lived stream.
package kernel

import (
	"errors"

	"github.com/deepweb-ai/kernel/services/policy"
	"github.com/deepweb-ai/kernel/services/providers"
	"github.com/deepweb-ai/kernel/services/storage"
)

// ErrorKind is the machine-readable classification carried in every
// {error} response (spec §7). The Dispatcher and Stream Controller never
// leak raw transport exceptions across the external interfaces; only the
// final classification is surfaced.
type ErrorKind string

const (
	ErrorRateLimited         ErrorKind = "rate_limited"
	ErrorInvalidInput        ErrorKind = "invalid_input"
	ErrorCredentialMissing   ErrorKind = "credential_missing"
	ErrorCredentialInvalid   ErrorKind = "credential_invalid"
	ErrorProviderRateLimited ErrorKind = "provider_rate_limited"
	ErrorProviderUnavailable ErrorKind = "provider_unavailable"
	ErrorTransportTimeout    ErrorKind = "transport_timeout"
	ErrorEndpointNotAllowed  ErrorKind = "endpoint_not_allowed"
	ErrorResponseMalformed   ErrorKind = "response_malformed"
	ErrorStorageQuotaExceeded ErrorKind = "storage_quota_exceeded"
	ErrorStorageNotFound     ErrorKind = "storage_not_found"
	ErrorStreamCancelled     ErrorKind = "stream_cancelled"
)

// KernelError pairs a human-readable message with its machine-readable
// kind, the shape every {error} response and stream `error` event carries.
type KernelError struct {
	Kind       ErrorKind
	Message    string
	Recoverable bool
}

func (e *KernelError) Error() string { return e.Message }

func newError(kind ErrorKind, recoverable bool, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message, Recoverable: recoverable}
}

// classifyProviderError maps a provider-layer failure to its error kind
// (spec §7): provider_auth_failed surfaces as credential_invalid,
// rate-limit/5xx/timeout map to their recoverable counterparts after
// internal retries have already been exhausted by the provider call.
func classifyProviderError(err error) *KernelError {
	if err == nil {
		return nil
	}

	if errors.Is(err, providers.ErrAuthFailed) {
		return newError(ErrorCredentialInvalid, true, "provider rejected the credential")
	}

	if errors.Is(err, policy.ErrEndpointNotAllowed) {
		return newError(ErrorEndpointNotAllowed, false, "resolved provider endpoint is not in the allow-list")
	}

	if errors.Is(err, policy.ErrResponseNotJSON) {
		return newError(ErrorResponseMalformed, false, "provider response content-type was not JSON")
	}

	var rateLimited *providers.RateLimitedError
	if errors.As(err, &rateLimited) {
		return newError(ErrorProviderRateLimited, true, "provider rate limit exceeded")
	}

	var malformed *providers.ResponseMalformedError
	if errors.As(err, &malformed) {
		return newError(ErrorResponseMalformed, false, "provider response could not be parsed")
	}

	return newError(ErrorProviderUnavailable, true, "provider call failed: "+err.Error())
}

// classifyStorageError maps a Storage Engine failure to its error kind
// (spec §7): a missing conversation/message is caller-recoverable, any
// other storage failure is surfaced generically.
func classifyStorageError(err error) *KernelError {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return newError(ErrorStorageNotFound, true, "referenced record was not found")
	}
	// The spec enumerates storage_quota_exceeded for the one recognized
	// storage failure mode beyond not-found (badger returning ErrTxnTooBig /
	// disk-full surfaces here); anything else is an unexpected storage fault,
	// still treated as recoverable-later rather than fatal to the caller.
	return newError(ErrorStorageQuotaExceeded, true, "storage operation failed: "+err.Error())
}
