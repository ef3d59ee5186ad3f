package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"traffic-congestion-monitor/internal/models"
)

const (
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultErrorBackoff  = 100 * time.Millisecond
	DefaultMaxFrameBytes = 64 * 1024
	defaultReadChunk     = 4096
)

// ErrFrameTooLong is the cause of a ParseError for a partial frame that grew
// past the configured limit without a newline.
var ErrFrameTooLong = errors.New("frame exceeds maximum length")

// Source supplies raw bytes without blocking. Read returns 0, nil when
// nothing is available yet.
type Source interface {
	Read(p []byte) (int, error)
}

// TransportError wraps a failed read on the underlying source.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport read: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// IsRecoverable reports whether the reader can keep going after err.
func IsRecoverable(err error) bool {
	var pe *ParseError
	var te *TransportError
	return errors.As(err, &pe) || errors.As(err, &te)
}

// ReaderConfig tunes the read loop
type ReaderConfig struct {
	PollInterval  time.Duration // sleep when no bytes are available
	ErrorBackoff  time.Duration // sleep after a transport error
	MaxFrameBytes int           // partial frames beyond this are discarded
}

// DefaultReaderConfig returns the timings the sensors were tuned against
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		PollInterval:  DefaultPollInterval,
		ErrorBackoff:  DefaultErrorBackoff,
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

// Reader turns a byte stream into validated readings, one call at a time.
// A Reader is owned by a single goroutine.
type Reader struct {
	src   Source
	cfg   ReaderConfig
	buf   frameBuffer
	chunk []byte
	now   func() time.Time
	log   *slog.Logger
}

// NewReader creates a reader over src
func NewReader(src Source, cfg ReaderConfig, log *slog.Logger) *Reader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		src:   src,
		cfg:   cfg,
		buf:   frameBuffer{max: cfg.MaxFrameBytes},
		chunk: make([]byte, defaultReadChunk),
		now:   time.Now,
		log:   log.With("component", "frame_reader"),
	}
}

// Next returns the next reading from the stream. A *ParseError or
// *TransportError means that one frame or read failed; call Next again to
// continue. Any other error comes from ctx and ends the stream.
func (r *Reader) Next(ctx context.Context) (models.Reading, error) {
	for {
		frame, ok, err := r.buf.next()
		if err != nil {
			return models.Reading{}, &ParseError{Frame: frame, Err: err}
		}
		if ok {
			frame = strings.TrimSpace(frame)
			if frame == "" {
				continue
			}
			reading, err := DecodeFrame(frame)
			if err != nil {
				return models.Reading{}, err
			}
			reading.ReceivedAt = r.now()
			return reading, nil
		}

		if err := ctx.Err(); err != nil {
			return models.Reading{}, err
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.buf.write(r.chunk[:n])
		}
		if err != nil {
			r.log.Warn("transport read failed", "err", err, "backoff", r.cfg.ErrorBackoff)
			if werr := sleep(ctx, r.cfg.ErrorBackoff); werr != nil {
				return models.Reading{}, werr
			}
			return models.Reading{}, &TransportError{Err: err}
		}
		if n == 0 {
			if werr := sleep(ctx, r.cfg.PollInterval); werr != nil {
				return models.Reading{}, werr
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// frameBuffer accumulates bytes and splits them on '\n'.
type frameBuffer struct {
	data       []byte
	max        int
	discarding bool // dropping the tail of an oversized frame
}

func (b *frameBuffer) write(p []byte) {
	b.data = append(b.data, p...)
}

// next returns the next complete frame. ok is false when no newline has
// arrived yet. An oversized partial frame is dropped once with an error and
// everything up to its newline is skipped.
func (b *frameBuffer) next() (frame string, ok bool, err error) {
	i := bytes.IndexByte(b.data, '\n')
	if i < 0 {
		if b.max > 0 && len(b.data) > b.max {
			n := len(b.data)
			head := strings.ToValidUTF8(string(b.data[:min(n, 64)]), "")
			b.data = b.data[:0]
			if !b.discarding {
				b.discarding = true
				return head, false, fmt.Errorf("%w: %d bytes without newline", ErrFrameTooLong, n)
			}
		}
		return "", false, nil
	}

	line := b.data[:i]
	b.data = b.data[i+1:]
	if b.discarding {
		b.discarding = false
		return "", true, nil
	}
	// Invalid UTF-8 is noise on the wire; drop it rather than reject the frame.
	return strings.ToValidUTF8(string(line), ""), true, nil
}

func (b *frameBuffer) len() int {
	return len(b.data)
}
