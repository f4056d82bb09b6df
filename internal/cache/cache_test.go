/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) Cache {
	mr := miniredis.RunT(t)
	c, err := NewCache(mr.Addr())
	require.NoError(t, err)
	return c
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "subscriber_email:a@x.com", "sub_1", 10*time.Minute))

	var id string
	require.NoError(t, c.Get(ctx, "subscriber_email:a@x.com", &id))
	assert.Equal(t, "sub_1", id)
}

func TestGetStruct(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	setValue := map[string]string{"hello": "world"}
	require.NoError(t, c.Set(ctx, "map", setValue, time.Minute))

	var getValue map[string]string
	require.NoError(t, c.Get(ctx, "map", &getValue))
	assert.Equal(t, setValue, getValue)
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t)

	id := "untouched"
	err := c.Get(context.Background(), "missing", &id)
	assert.NoError(t, err)
	assert.Equal(t, "untouched", id)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	var got string
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Empty(t, got)

	assert.NoError(t, c.Delete(ctx, "never-set"))
}
