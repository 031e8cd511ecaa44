package storage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// WAV format codes.
const (
	formatPCM   uint16 = 1
	formatMulaw uint16 = 7
)

const wavHeaderSize = 44

// wavWriter appends audio to a single-channel WAV file. The header is
// written up front with zero sizes and patched on Close, so a crash leaves a
// file most tools can still salvage.
type wavWriter struct {
	f         *os.File
	format    uint16
	rate      uint32
	dataBytes uint32
}

func newWavWriter(path string, format uint16, sampleRate int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", path, err)
	}
	w := &wavWriter{f: f, format: format, rate: uint32(sampleRate)}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) bitsPerSample() uint16 {
	if w.format == formatMulaw {
		return 8
	}
	return 16
}

func (w *wavWriter) writeHeader() error {
	bits := w.bitsPerSample()
	blockAlign := bits / 8
	byteRate := w.rate * uint32(blockAlign)

	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+w.dataBytes)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], w.format)
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], w.rate)
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bits)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], w.dataBytes)

	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("storage: write wav header: %w", err)
	}
	return nil
}

func (w *wavWriter) Write(data []byte) error {
	if _, err := w.f.WriteAt(data, int64(wavHeaderSize)+int64(w.dataBytes)); err != nil {
		return fmt.Errorf("storage: write wav data: %w", err)
	}
	w.dataBytes += uint32(len(data))
	return nil
}

// Close patches the chunk sizes and closes the file.
func (w *wavWriter) Close() error {
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
