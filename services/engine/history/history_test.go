// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, keep int) *Store {
	t.Helper()
	cfg := InMemoryConfig()
	cfg.Keep = keep
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(id string, start time.Time) Record {
	return Record{
		RunID:          id,
		StartedAt:      start,
		FinishedAt:     start.Add(3 * time.Second),
		State:          "stopped",
		SimulatorTicks: 90,
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, 0)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := rec("0b6f9c1e-aaaa", start)
	r.Summary = json.RawMessage(`{"agents":12}`)
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "0b6f9c1e-aaaa")
	require.NoError(t, err)
	assert.Equal(t, uint64(90), got.SimulatorTicks)
	assert.Equal(t, 3*time.Second, got.Duration())
	assert.JSONEq(t, `{"agents":12}`, string(got.Summary))
	assert.True(t, got.StartedAt.Equal(start))
}

func TestGet_Prefix(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, 0)
	now := time.Now()
	require.NoError(t, s.Put(ctx, rec("abc-111", now)))
	require.NoError(t, s.Put(ctx, rec("abd-222", now.Add(time.Second))))

	got, err := s.Get(ctx, "abd")
	require.NoError(t, err)
	assert.Equal(t, "abd-222", got.RunID)

	_, err = s.Get(ctx, "ab")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = s.Get(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, 0)
	base := time.Now()
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.Put(ctx, rec(id, base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})

	two, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestPut_ReplacesSameRun(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, 0)
	start := time.Now()

	r := rec("same", start)
	require.NoError(t, s.Put(ctx, r))
	r.StartedAt = start.Add(time.Second)
	r.State = "stopped"
	r.Error = "boom"
	require.NoError(t, s.Put(ctx, r))

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "boom", all[0].Error)
}

func TestPut_RetentionPrunes(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, 2)
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Put(ctx, rec(id, base.Add(time.Duration(i)*time.Second))))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].RunID)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound, "index entry must be pruned too")

	n, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPut_Invalid(t *testing.T) {
	s := openTest(t, 0)
	assert.ErrorIs(t, s.Put(context.Background(), Record{RunID: "x"}), ErrInvalidRecord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Put(ctx, rec("x", time.Now())))
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, rec("durable", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.RunID)

	_, err = Open(Config{})
	assert.Error(t, err)
}
