package lockmap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsExclusivePerID(t *testing.T) {
	m := New()
	unlock, err := m.Lock(context.Background(), "a", time.Second)
	require.Nil(t, err)

	// other ids are independent
	unlockB, err := m.Lock(context.Background(), "b", time.Second)
	require.Nil(t, err)
	unlockB()

	_, err = m.Lock(context.Background(), "a", 10*time.Millisecond)
	require.NotNil(t, err)
	assert.True(t, IsLockTimeout(err))
	assert.Equal(t, 1, m.Len())

	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())

	unlock, err = m.Lock(context.Background(), "a", 10*time.Millisecond)
	require.Nil(t, err)
	unlock()
}

func TestWaiterGetsLockAfterRelease(t *testing.T) {
	m := New()
	unlock, err := m.Lock(context.Background(), "sub", time.Second)
	require.Nil(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock2, err := m.Lock(context.Background(), "sub", time.Second)
		if err == nil {
			close(acquired)
			unlock2()
		}
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}

func TestCanceledContext(t *testing.T) {
	m := New()
	unlock, err := m.Lock(context.Background(), "a", 0)
	require.Nil(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Lock(ctx, "a", time.Second)
	assert.Equal(t, context.Canceled, err)
}

func TestMutualExclusion(t *testing.T) {
	m := New()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock, err := m.Lock(context.Background(), "shared", 0)
				if err != nil {
					t.Error(err)
					return
				}
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, counter)
	assert.Equal(t, 0, m.Len())
}
