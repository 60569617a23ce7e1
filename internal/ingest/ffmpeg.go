package ingest

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"scribe-pipeline/internal/audio"
)

// FFmpegSource opens a live RTMP feed through ffmpeg, which handles the FLV
// demux, AAC decode, and resample to mono s16 16 kHz. Packets are stamped
// with a synthetic PTS counted in PCM frames since connection start; the
// RTMP server replays the session from the beginning on reconnect, so frame
// offsets line up across connections.
type FFmpegSource struct {
	url string
}

// NewFFmpegSource points at {serverURL}{streamKey}.
func NewFFmpegSource(serverURL, streamKey string) *FFmpegSource {
	return &FFmpegSource{url: serverURL + streamKey}
}

const packetFrames = 1024

func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", s.url,
		"-vn",
		"-f", "s16le", "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegStream{cmd: cmd, out: stdout}, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	frames int64
}

func (f *ffmpegStream) Read() (Packet, error) {
	buf := make([]byte, packetFrames*audio.BytesPerFrame)
	n, err := io.ReadFull(f.out, buf)
	if n > 0 {
		// Trim to whole frames; a torn final frame is dropped.
		n -= n % audio.BytesPerFrame
		pkt := Packet{PTS: f.frames, PCM: buf[:n]}
		f.frames += int64(n / audio.BytesPerFrame)
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
		return pkt, err
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return Packet{}, err
}

func (f *ffmpegStream) Close() error {
	_ = f.out.Close()
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	return f.cmd.Wait()
}
