package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestRecorderWritesBothLegs(t *testing.T) {
	dir := t.TempDir()
	r, err := NewCallRecorder(dir, "CAtest")
	require.NoError(t, err)

	mulaw := []byte{0x9F, 0xA0, 0x9F, 0xA0}
	pcm := []byte{1, 0, 2, 0, 3, 0}
	r.RecordInbound(mulaw)
	r.RecordOutbound(pcm)
	require.NoError(t, r.Close())

	caller := readFile(t, filepath.Join(dir, "CAtest_caller.wav"))
	require.Len(t, caller, wavHeaderSize+len(mulaw))
	assert.Equal(t, "RIFF", string(caller[0:4]))
	assert.Equal(t, "WAVE", string(caller[8:12]))
	assert.Equal(t, formatMulaw, binary.LittleEndian.Uint16(caller[20:22]))
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(caller[24:28]))
	assert.Equal(t, uint16(8), binary.LittleEndian.Uint16(caller[34:36]))
	assert.Equal(t, uint32(len(mulaw)), binary.LittleEndian.Uint32(caller[40:44]))
	assert.Equal(t, mulaw, caller[wavHeaderSize:])

	assistant := readFile(t, filepath.Join(dir, "CAtest_assistant.wav"))
	require.Len(t, assistant, wavHeaderSize+len(pcm))
	assert.Equal(t, formatPCM, binary.LittleEndian.Uint16(assistant[20:22]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(assistant[24:28]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(assistant[34:36]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(assistant[40:44]))
	assert.Equal(t, pcm, assistant[wavHeaderSize:])
}

func TestRecorderAppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	r, err := NewCallRecorder(dir, "CAorder")
	require.NoError(t, err)

	r.RecordInbound([]byte{1, 2})
	r.RecordInbound([]byte{3, 4})
	r.RecordInbound([]byte{5, 6})
	require.NoError(t, r.Close())

	caller := readFile(t, filepath.Join(dir, "CAorder_caller.wav"))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, caller[wavHeaderSize:])
}

func TestRecorderCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, err := NewCallRecorder(dir, "CAtwice")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestRecorderIgnoresEmptyFrames(t *testing.T) {
	dir := t.TempDir()
	r, err := NewCallRecorder(dir, "CAempty")
	require.NoError(t, err)
	r.RecordInbound(nil)
	r.RecordOutbound(nil)
	require.NoError(t, r.Close())

	caller := readFile(t, filepath.Join(dir, "CAempty_caller.wav"))
	assert.Len(t, caller, wavHeaderSize)
}

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	// White box: no write loop, so the queue fills and further frames are
	// counted as dropped instead of blocking the media path.
	r := &CallRecorder{ch: make(chan recordItem, 2)}
	r.RecordInbound([]byte{1})
	r.RecordInbound([]byte{2})
	r.RecordInbound([]byte{3})
	assert.Equal(t, uint64(1), r.dropped.Load())
}
