package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLookup(t *testing.T) {
	m := NewManager()
	s := m.Create("+15551234567")
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "+15551234567", s.To)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Count())
}

func TestBindCallSidIndexesByProviderIdentity(t *testing.T) {
	m := NewManager()
	s := m.Create("+15551234567")
	require.NoError(t, m.BindCallSid(s.ID, "CA999"))

	got, ok := m.GetByCallSid("CA999")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "CA999", s.CallSid())
}

func TestBindCallSidUnknownSession(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.BindCallSid("missing", "CA999"))
}

func TestRemoveReleasesOnce(t *testing.T) {
	m := NewManager()
	s := m.Create("+15551234567")
	require.NoError(t, m.BindCallSid(s.ID, "CA999"))

	var releases int
	s.SetShutdown(func() { releases++ })

	m.Remove(s.ID)
	m.Remove(s.ID)
	s.Release()

	assert.Equal(t, 1, releases)
	assert.Equal(t, 0, m.Count())
	_, ok := m.GetByCallSid("CA999")
	assert.False(t, ok)
}

func TestSetShutdownAfterReleaseRunsImmediately(t *testing.T) {
	m := NewManager()
	s := m.Create("+15551234567")
	require.NoError(t, m.BindCallSid(s.ID, "CA999"))

	// A terminal status callback removed the session before the bridge got
	// to install its hook.
	m.Remove(s.ID)

	var releases int
	s.SetShutdown(func() { releases++ })
	assert.Equal(t, 1, releases)

	// Nothing runs it a second time.
	s.Release()
	assert.Equal(t, 1, releases)
}

func TestReleaseAllTearsDownEverySession(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var releases int
	for i := 0; i < 3; i++ {
		s := m.Create("+1555000000" + string(rune('0'+i)))
		s.SetShutdown(func() {
			mu.Lock()
			defer mu.Unlock()
			releases++
		})
	}

	m.ReleaseAll()
	assert.Equal(t, 0, m.Count())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, releases)
}

func TestConcurrentCreateAndRemove(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := m.Create("+15551234567")
			m.Remove(s.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
