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
	"strings"
)

// newOpenAI builds the OpenAI provider. It shares DeepSeek's wire format
// (spec §4.3 groups them under one request/response shape) and differs only
// in base URL and the models it accepts.
func newOpenAI(httpClient *http.Client, log *slog.Logger) *openAIShapedProvider {
	if log == nil {
		log = slog.Default()
	}
	return &openAIShapedProvider{
		name:       "openai",
		baseURL:    "https://api.openai.com/v1/chat/completions",
		httpClient: httpClient,
		retry:      DefaultRetryPolicy(),
		accepts:    func(model string) bool { return strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") },
		log:        log,
	}
}
