// Package transport supplies raw sensor bytes to the frame reader.
//
// Every Transport is non-blocking: Read returns 0, nil when nothing is
// available so the reader can sleep and observe cancellation.
package transport

import (
	"errors"
	"io"
	"sync"
)

// Transport is a byte source the pipeline can poll and release.
type Transport interface {
	Read(p []byte) (int, error)
	Close() error
}

// Info describes where a transport's bytes come from
type Info struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

// Describer is implemented by transports that can report their origin.
type Describer interface {
	Info() Info
}

// Stream adapts a blocking io.Reader (a capture file, stdin, a pipe) into a
// Transport. A pump goroutine does the blocking reads.
type Stream struct {
	name    string
	src     io.Reader
	chunks  chan []byte
	errs    chan error
	pending []byte
	done    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewStream starts pumping src. name is reported as the port in Info.
func NewStream(name string, src io.Reader) *Stream {
	s := &Stream{
		name:   name,
		src:    src,
		chunks: make(chan []byte, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.done)
	for {
		buf := make([]byte, 4096)
		n, err := s.src.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.closed:
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			select {
			case s.errs <- err:
			case <-s.closed:
				return
			}
		}
	}
}

// Read copies whatever has been pumped so far without blocking. After the
// source is exhausted it keeps returning 0, nil.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case err := <-s.errs:
			return 0, err
		default:
			return 0, nil
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Drained reports whether every byte of an exhausted source has been read.
func (s *Stream) Drained() bool {
	select {
	case <-s.done:
	default:
		return false
	}
	return len(s.pending) == 0 && len(s.chunks) == 0
}

// Close stops the pump and closes the source when it is an io.Closer.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if c, ok := s.src.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Info reports the stream's name
func (s *Stream) Info() Info {
	return Info{Port: s.name}
}
