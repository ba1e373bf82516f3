// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers and paths before they
// reach audit records or the filesystem.
//
// Admin token user IDs are written verbatim into audit events and log
// lines, so they are restricted to a conservative character set that
// cannot forge extra fields or lines.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// userIDPattern matches valid user IDs.
// Allows: letters, digits, dots, underscores, hyphens and @ (ops@team)
// Max length: 64 characters
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]{0,63}$`)

// ValidateUserID validates an audit user ID.
//
// Example:
//
//	if err := validation.ValidateUserID(user); err != nil {
//	    return fmt.Errorf("admin token: %w", err)
//	}
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("invalid user id %q (1-64 letters, digits, '.', '_', '@' or '-')", id)
	}
	return nil
}

// ValidateUserIDs validates several user IDs and reports every invalid one.
func ValidateUserIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateUserID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid user ids: %q", invalid)
	}
	return nil
}

// SanitizeUserID trims and lowercases id, then validates it.
func SanitizeUserID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateUserID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateDir validates a directory path from configuration.
//
// The empty string is valid and means "not set". Control characters are
// rejected, and relative paths may not climb out of the working directory.
// A leading "~/" is allowed.
func ValidateDir(dir string) error {
	if dir == "" {
		return nil
	}
	for _, r := range dir {
		if unicode.IsControl(r) {
			return fmt.Errorf("directory %q contains a control character", dir)
		}
	}
	p := strings.TrimPrefix(dir, "~/")
	if filepath.IsAbs(p) {
		return nil
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("directory %q escapes the working directory", dir)
	}
	return nil
}
