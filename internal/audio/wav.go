package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Pipeline-wide PCM format: mono 16-bit 16 kHz.
const (
	SampleRate    = 16000
	BytesPerFrame = 2
	numChannels   = 1
	bitsPerSample = 16
)

// WavBuffer accumulates raw PCM frames and finalizes them into a WAV
// container. One buffer backs one chunk; buffers are never shared between the
// quick and durable paths.
type WavBuffer struct {
	pcm bytes.Buffer
}

func NewWavBuffer() *WavBuffer {
	return &WavBuffer{}
}

// WriteFrames appends raw little-endian s16 PCM bytes.
func (w *WavBuffer) WriteFrames(data []byte) {
	w.pcm.Write(data)
}

// Frames returns how many complete PCM frames have been written.
func (w *WavBuffer) Frames() int {
	return w.pcm.Len() / BytesPerFrame
}

// Duration is the audio length represented by the buffered frames.
func (w *WavBuffer) Duration() time.Duration {
	return FramesDuration(w.Frames())
}

// Empty reports whether no audio has been written yet.
func (w *WavBuffer) Empty() bool {
	return w.pcm.Len() == 0
}

// Bytes closes the container: RIFF/fmt/data headers followed by the PCM
// payload. The buffer remains usable for further writes, though chunk
// emission always starts a fresh buffer after finalizing.
func (w *WavBuffer) Bytes() []byte {
	pcm := w.pcm.Bytes()
	var out bytes.Buffer
	out.Grow(44 + len(pcm))

	byteRate := SampleRate * numChannels * BytesPerFrame
	blockAlign := numChannels * BytesPerFrame

	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(36+len(pcm)))
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	binary.Write(&out, binary.LittleEndian, uint32(16))
	binary.Write(&out, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&out, binary.LittleEndian, uint16(numChannels))
	binary.Write(&out, binary.LittleEndian, uint32(SampleRate))
	binary.Write(&out, binary.LittleEndian, uint32(byteRate))
	binary.Write(&out, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&out, binary.LittleEndian, uint16(bitsPerSample))
	out.WriteString("data")
	binary.Write(&out, binary.LittleEndian, uint32(len(pcm)))
	out.Write(pcm)
	return out.Bytes()
}

// FramesDuration converts a frame count to audio duration at the pipeline
// sample rate.
func FramesDuration(frames int) time.Duration {
	return time.Duration(frames) * time.Second / SampleRate
}

// DurationFrames converts a duration to the equivalent frame count.
func DurationFrames(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}

// WavDuration reads the data-chunk length of a canonical 44-byte-header WAV
// and returns its audio duration.
func WavDuration(wav []byte) (time.Duration, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a wav container")
	}
	dataLen := binary.LittleEndian.Uint32(wav[40:44])
	return FramesDuration(int(dataLen) / BytesPerFrame), nil
}
