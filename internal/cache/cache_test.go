// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)
	defer c.Close()

	c.Set(ctx, "https://k/1", "00112233445566778899aabbccddeeff", 0)
	val, ok := c.Get(ctx, "https://k/1")
	require.True(t, ok)
	assert.Equal(t, "00112233445566778899aabbccddeeff", val)

	_, ok = c.Get(ctx, "https://k/2")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0).(*memoryCache)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set(ctx, "a", "1", time.Minute)
	c.Set(ctx, "b", "2", 0)

	now = now.Add(2 * time.Minute)
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "expired entry must miss")
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok, "ttl 0 never expires")

	assert.Equal(t, 1, c.deleteExpired())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)
	c.Set(ctx, "a", "1", 0)
	c.Delete(ctx, "a")
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryCache_CloseStopsJanitor(t *testing.T) {
	c := NewMemoryCache(time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestNew_Backends(t *testing.T) {
	c, err := New(Options{}, zerolog.Nop())
	require.NoError(t, err)
	_, isMemory := c.(*memoryCache)
	assert.True(t, isMemory)

	c, err = New(Options{Backend: BackendNone}, zerolog.Nop())
	require.NoError(t, err)
	c.Set(context.Background(), "a", "1", 0)
	_, ok := c.Get(context.Background(), "a")
	assert.False(t, ok)

	_, err = New(Options{Backend: "memcached"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{Backend: BackendRedis}, zerolog.Nop())
	assert.Error(t, err, "redis without address")
}
