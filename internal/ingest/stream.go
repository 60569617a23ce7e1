package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/telemetry"
)

// Packet is one decoded, resampled audio packet: mono s16 PCM bytes stamped
// with the source's presentation timestamp. PTS values are monotonically
// increasing within one connection and repeat across a reconnect replay.
type Packet struct {
	PTS int64
	PCM []byte
}

// Stream yields packets from one live connection. Read returns io.EOF when
// the source closed cleanly; any other error means the connection broke.
type Stream interface {
	Read() (Packet, error)
	Close() error
}

// Source opens connections to a live audio feed. Demuxing, decoding, and
// resampling live behind this boundary.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// ErrStreamEnded signals that the feed is gone for good: either a clean close
// or a reconnect budget spent without a successful reopen.
var ErrStreamEnded = errors.New("live stream ended")

const maxConnectAttempts = 3

// ResilientReader wraps a Source with the reconnect protocol: on any read
// error it reopens the connection and discards replayed packets whose PTS is
// not strictly ahead of the last position consumed before the failure. That
// PTS check is the sole duplicate-audio guard across reconnects.
type ResilientReader struct {
	source Source
	wait   time.Duration
	log    *logrus.Entry

	stream      Stream
	lastPTS     int64
	havePTS     bool
	reconnected bool
}

func NewResilientReader(source Source, reconnectWait time.Duration, log *logrus.Entry) *ResilientReader {
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}
	return &ResilientReader{source: source, wait: reconnectWait, log: log}
}

// Connect establishes the first connection. Failing here means there is no
// stream at all, which callers treat differently from a mid-session drop.
func (r *ResilientReader) Connect(ctx context.Context) error {
	stream, err := r.open(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	r.stream = stream
	return nil
}

func (r *ResilientReader) open(ctx context.Context) (Stream, error) {
	var stream Stream
	operation := func() error {
		s, err := r.source.Open(ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), maxConnectAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return stream, nil
}

// Read returns the next non-duplicate packet, reconnecting as needed. It
// returns ErrStreamEnded once the feed is finished or unrecoverable, and
// ctx.Err if cancelled.
func (r *ResilientReader) Read(ctx context.Context) (Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		if r.stream == nil {
			return Packet{}, ErrStreamEnded
		}

		pkt, err := r.stream.Read()
		if errors.Is(err, io.EOF) {
			_ = r.stream.Close()
			r.stream = nil
			return Packet{}, ErrStreamEnded
		}
		if err != nil {
			r.log.WithError(err).Warn("stream read failed, reconnecting")
			_ = r.stream.Close()
			r.stream = nil

			select {
			case <-time.After(r.wait):
			case <-ctx.Done():
				return Packet{}, ctx.Err()
			}

			telemetry.Reconnects.Inc()
			stream, openErr := r.open(ctx)
			if openErr != nil {
				r.log.WithError(openErr).Error("reconnect failed, ending stream")
				return Packet{}, ErrStreamEnded
			}
			r.stream = stream
			r.reconnected = true
			continue
		}

		if r.reconnected {
			// The source replays from before the drop; skip anything we
			// already consumed.
			if r.havePTS && pkt.PTS <= r.lastPTS {
				continue
			}
			r.reconnected = false
		}
		r.lastPTS = pkt.PTS
		r.havePTS = true
		return pkt, nil
	}
}

// Close tears down any live connection.
func (r *ResilientReader) Close() error {
	if r.stream != nil {
		err := r.stream.Close()
		r.stream = nil
		return err
	}
	return nil
}
