// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUserID(t *testing.T) {
	valid := []string{"dash", "ops@team", "svc-1", "a.b_c", strings.Repeat("a", 64)}
	for _, id := range valid {
		assert.NoError(t, ValidateUserID(id), id)
	}

	invalid := []string{"", "-lead", "two words", "x\ny", `quote"`, strings.Repeat("a", 65)}
	for _, id := range invalid {
		assert.Error(t, ValidateUserID(id), id)
	}
}

func TestValidateUserIDs_ListsAll(t *testing.T) {
	assert.NoError(t, ValidateUserIDs([]string{"a", "b"}))

	err := ValidateUserIDs([]string{"ok", "bad one", "x=y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad one")
	assert.Contains(t, err.Error(), "x=y")
	assert.NotContains(t, err.Error(), `"ok"`)
}

func TestSanitizeUserID(t *testing.T) {
	got, err := SanitizeUserID("  Ops@Team ")
	require.NoError(t, err)
	assert.Equal(t, "ops@team", got)

	_, err = SanitizeUserID("   ")
	assert.Error(t, err)
}

func TestValidateDir(t *testing.T) {
	for _, dir := range []string{"", "logs", "./logs/run", "~/.maengine/logs", "/var/log/maengine", "a/../b"} {
		assert.NoError(t, ValidateDir(dir), dir)
	}
	for _, dir := range []string{"..", "../logs", "logs/../../etc", "bad\x00dir", "tab\tdir"} {
		assert.Error(t, ValidateDir(dir), dir)
	}
}
