package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niyya/api/internal/common"
)

type recorder struct {
	mu    sync.Mutex
	got   [][]byte
	err   error
	block chan struct{}
}

func (r *recorder) Send(ctx context.Context, payload []byte) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, payload)
	return nil
}

func (r *recorder) messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

func TestRegister_UniqueIdentity(t *testing.T) {
	reg := New(Options{MaxClients: 10})
	h, err := reg.Register("aaaaaaaaaaaaaaaaaaaaaaaa", &recorder{})
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaa", h.Identity)

	_, err = reg.Register("aaaaaaaaaaaaaaaaaaaaaaaa", &recorder{})
	assert.True(t, errors.Is(err, common.ErrConflict))
	assert.Equal(t, 1, reg.Count())
}

func TestRegister_Capacity(t *testing.T) {
	reg := New(Options{MaxClients: 2})
	for i := 0; i < 2; i++ {
		_, err := reg.Register(fmt.Sprintf("id-%d", i), &recorder{})
		require.NoError(t, err)
	}
	assert.True(t, reg.AtCapacity())
	_, err := reg.Register("id-3", &recorder{})
	assert.True(t, errors.Is(err, common.ErrCapacity))
	assert.Equal(t, 2, reg.Count())

	reg.Unregister("id-0")
	assert.False(t, reg.AtCapacity())
	_, err = reg.Register("id-3", &recorder{})
	assert.NoError(t, err)
}

func TestRegister_ConcurrentNeverOvershoots(t *testing.T) {
	reg := New(Options{MaxClients: 25})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.Register(fmt.Sprintf("id-%03d", i), &recorder{})
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, reg.Count(), 25)
	assert.Len(t, reg.ListOnline(), reg.Count())
}

func TestUnregister_Idempotent(t *testing.T) {
	reg := New(Options{})
	_, err := reg.Register("u1", &recorder{})
	require.NoError(t, err)

	reg.Unregister("u1")
	reg.Unregister("u1")
	reg.Unregister("never-seen")
	assert.Equal(t, 0, reg.Count())
	assert.False(t, reg.IsOnline("u1"))
}

func TestHandleClose_OnlyRemovesOwnEntry(t *testing.T) {
	reg := New(Options{})
	first, err := reg.Register("u1", &recorder{})
	require.NoError(t, err)

	reg.Unregister("u1")
	second, err := reg.Register("u1", &recorder{})
	require.NoError(t, err)

	first.Close()
	first.Close()
	assert.True(t, reg.IsOnline("u1"), "a stale handle must not evict the new connection")
	assert.Equal(t, 1, reg.Count())

	second.Close()
	assert.False(t, reg.IsOnline("u1"))
	assert.Equal(t, 0, reg.Count())
}

func TestSendTo(t *testing.T) {
	reg := New(Options{})
	rec := &recorder{}
	_, err := reg.Register("u1", rec)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, reg.SendTo(ctx, "u1", []byte(`{"type":"ping"}`)))
	assert.False(t, reg.SendTo(ctx, "offline", []byte("x")), "offline is not an error")
	require.Len(t, rec.messages(), 1)

	rec.err = errors.New("broken pipe")
	assert.False(t, reg.SendTo(ctx, "u1", []byte("x")))
}

func TestSendTo_StalledPeerTimesOut(t *testing.T) {
	reg := New(Options{SendTimeout: 20 * time.Millisecond})
	stalled := &recorder{block: make(chan struct{})}
	defer close(stalled.block)
	_, err := reg.Register("slow", stalled)
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, reg.SendTo(context.Background(), "slow", []byte("x")))
	assert.Less(t, time.Since(start), time.Second)
}

func TestListOnline_Snapshot(t *testing.T) {
	reg := New(Options{})
	for _, id := range []string{"c", "a", "b"} {
		_, err := reg.Register(id, &recorder{})
		require.NoError(t, err)
	}
	snap := reg.ListOnline()
	assert.Equal(t, []string{"a", "b", "c"}, snap)

	reg.Unregister("a")
	assert.Equal(t, []string{"a", "b", "c"}, snap, "snapshot is not a live view")
	assert.Equal(t, []string{"b", "c"}, reg.ListOnline())
}
