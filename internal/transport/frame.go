package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// HeaderSize is the length prefix in front of every frame: a little-endian uint32, the
// layout the game client writes.
const HeaderSize = 4

var (
	// ErrConnectionClosed means the peer went away before a complete frame arrived.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrFrameTooLarge means the declared length exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Conn carries whole frames in both directions.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// ReadFrame blocks until one complete frame is read from r. Partial reads are retried until
// the declared length is satisfied; a stream ending early returns ErrConnectionClosed.
// maxSize of 0 disables the size guard.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, closedErr(err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedErr(err)
	}
	return payload, nil
}

// WriteFrame writes the prefix and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}

type tcpConn struct {
	conn    net.Conn
	maxSize uint32
	writeMu sync.Mutex
}

// NewTCPConn frames a stream socket with length prefixes.
func NewTCPConn(conn net.Conn, maxSize int) Conn {
	return &tcpConn{conn: conn, maxSize: uint32(maxSize)}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	return ReadFrame(c.conn, c.maxSize)
}

func (c *tcpConn) WriteFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, payload)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConn) Close() error { return c.conn.Close() }
