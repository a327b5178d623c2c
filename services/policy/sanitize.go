// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"errors"
	"regexp"
)

const maxMessageCodePoints = 1000

var angleBracketRun = regexp.MustCompile(`<[^>]*>`)

// ErrEmptyMessage is returned when message is empty after sanitization.
var ErrEmptyMessage = errors.New("policy: message must be a non-empty string")

// ErrMessageTooLong is returned when the sanitized message exceeds the
// 1000 code point limit.
var ErrMessageTooLong = errors.New("policy: message exceeds 1000 code points after sanitization")

// Sanitize strips `<...>` substrings (spec §4.2: conservative, not an HTML
// parser — the kernel never renders the message, only forwards it) and
// enforces the non-empty and length-after-sanitization rules.
func Sanitize(message string) (string, error) {
	if message == "" {
		return "", ErrEmptyMessage
	}
	cleaned := angleBracketRun.ReplaceAllString(message, "")
	if cleaned == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(cleaned)) > maxMessageCodePoints {
		return "", ErrMessageTooLong
	}
	return cleaned, nil
}
