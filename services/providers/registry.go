// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"log/slog"
	"net/http"
)

// NewDefaultRegistry wires the three supported providers behind the
// registry, in the order the design's provider-selection rule expects
// (spec §4.5 step 2): gpt* to OpenAI, claude* to Anthropic, and DeepSeek
// registered last so it is the fallback for every other model string. log is
// shared across all three providers for their malformed-SSE-chunk warnings
// (spec §4.6); nil falls back to slog.Default().
func NewDefaultRegistry(httpClient *http.Client, log *slog.Logger) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return NewRegistry(
		newOpenAI(httpClient, log),
		newAnthropic(httpClient, log),
		newDeepSeek(httpClient, log),
	)
}
