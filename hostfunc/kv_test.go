package hostfunc

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvCall(t *testing.T, fn Func, args map[string]any) any {
	t.Helper()
	v, err := fn(context.Background(), args)
	require.NoError(t, err)
	return v
}

func TestKVRoundTrip(t *testing.T) {
	kv := NewKV(DefaultKVConfig())

	// Values arrive as goja exports.
	values := map[string]any{
		"title":   "Home",
		"visits":  int64(3),
		"ratio":   0.5,
		"enabled": true,
		"tags":    []any{"a", "b"},
		"user":    map[string]any{"id": int64(7)},
	}
	for k, v := range values {
		assert.Equal(t, "ok", kvCall(t, kv.Set, map[string]any{"key": k, "value": v}))
	}
	for k, v := range values {
		assert.Equal(t, v, kvCall(t, kv.Get, map[string]any{"key": k}), k)
	}

	kvCall(t, kv.Set, map[string]any{"key": "title", "value": "About"})
	assert.Equal(t, "About", kvCall(t, kv.Get, map[string]any{"key": "title"}))

	assert.Equal(t,
		[]string{"enabled", "ratio", "tags", "title", "user", "visits"},
		kvCall(t, kv.Keys, map[string]any{}))
}

func TestKVMissingAndDelete(t *testing.T) {
	kv := NewKV(DefaultKVConfig())

	assert.Nil(t, kvCall(t, kv.Get, map[string]any{"key": "locale"}))
	assert.Equal(t, "en", kvCall(t, kv.Get, map[string]any{"key": "locale", "default": "en"}))

	kvCall(t, kv.Set, map[string]any{"key": "locale", "value": "de"})
	kvCall(t, kv.Delete, map[string]any{"key": "locale"})
	assert.Nil(t, kvCall(t, kv.Get, map[string]any{"key": "locale"}))

	// Deleting an absent key is not an error.
	assert.Equal(t, "ok", kvCall(t, kv.Delete, map[string]any{"key": "locale"}))
}

func TestKVLimits(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  KVConfig
		args map[string]any
		err  string
	}{
		{"no key", DefaultKVConfig(), map[string]any{"value": 1}, "key required"},
		{"empty key", DefaultKVConfig(), map[string]any{"key": "", "value": 1}, "key required"},
		{"no value", DefaultKVConfig(), map[string]any{"key": "k"}, "value required"},
		{"key size", KVConfig{MaxKeySize: 4}, map[string]any{"key": "too-long", "value": 1}, "key exceeds max size of 4 bytes"},
		{"value size", KVConfig{MaxValueSize: 4}, map[string]any{"key": "k", "value": "too-long"}, "value exceeds max size of 4 bytes"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewKV(tc.cfg).Set(ctx, tc.args)
			assert.EqualError(t, err, tc.err)
		})
	}
}

func TestKVCapacity(t *testing.T) {
	kv := NewKV(KVConfig{MaxEntries: 2})

	kvCall(t, kv.Set, map[string]any{"key": "a", "value": 1})
	kvCall(t, kv.Set, map[string]any{"key": "b", "value": 2})

	_, err := kv.Set(context.Background(), map[string]any{"key": "c", "value": 3})
	assert.EqualError(t, err, "store full: max 2 entries")

	// Overwrites do not need a free slot.
	kvCall(t, kv.Set, map[string]any{"key": "a", "value": 10})
	assert.Equal(t, 10, kvCall(t, kv.Get, map[string]any{"key": "a"}))
}

func TestKVRegister(t *testing.T) {
	r := NewRegistry()
	NewKV(DefaultKVConfig()).Register(r)

	for _, name := range []string{"kv_get", "kv_set", "kv_delete", "kv_keys"} {
		_, ok := r.Get(name)
		assert.True(t, ok, name)
	}
}

func TestKVConcurrentRenders(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("page-%d", n%5)
			kv.Set(ctx, map[string]any{"key": key, "value": n})
			kv.Get(ctx, map[string]any{"key": key})
			kv.Keys(ctx, nil)
		}(i)
	}
	wg.Wait()

	keys, _ := kv.Keys(ctx, nil)
	assert.Len(t, keys, 5)
}
