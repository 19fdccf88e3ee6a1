// Package ipc implements the framed channel used between a parent process
// and the worker processes it supervises (see internal/workerpool).
//
// Wire format: a fixed 8-byte ASCII hexadecimal header, zero-padded on the
// left, giving the length of the following opaque payload in bytes. There is
// no magic, version, or checksum — the channel is trusted, since both ends
// are always the same host, parent and child.
package ipc

import (
	"encoding/hex"
	"errors"
	"io"
	"net"
	"time"

	"code.hybscloud.com/iox"
)

const (
	headerLen = 8

	// MaxPayloadLen is the largest payload representable by the 8-hex-digit
	// length header.
	MaxPayloadLen = 1<<32 - 1
)

// nonBlockingWait bounds how long ReadNonBlocking's first Read waits when no
// data is queued. An already-expired deadline cannot be used instead: it
// makes Read fail with a timeout even when data is already buffered.
const nonBlockingWait = time.Millisecond

var (
	// ErrChannelClosed means the peer went away (EOF) before a frame
	// completed: at a clean message boundary, mid-header, or mid-payload.
	ErrChannelClosed = errors.New("ipc: channel closed")

	// ErrChannelProtocol means the 8-byte header was not valid hexadecimal.
	ErrChannelProtocol = errors.New("ipc: protocol violation: invalid frame header")

	// ErrChannelBroken means a write could not be completed because the
	// underlying transport returned an error.
	ErrChannelBroken = errors.New("ipc: channel broken")

	// ErrWouldBlock and ErrMore are re-exported from iox, matching the
	// teacher package's own aliasing of these two control-flow sentinels.
	// Neither is returned by this package: ReadNonBlocking reports "no frame
	// available yet" as (nil, nil).
	ErrWouldBlock = iox.ErrWouldBlock
	ErrMore       = iox.ErrMore
)

// Channel is a framed duplex connection to one worker. The zero value is not
// usable; construct with New, NewSocketpair, or FromFile.
type Channel struct {
	conn net.Conn
}

// New wraps an already-connected net.Conn (typically one side of a Unix
// socketpair) as a framed Channel.
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// ReadBlocking reads one full frame, blocking until it is available or the
// channel fails.
func (c *Channel) ReadBlocking() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Time{})
	return c.readFrame(true)
}

// ReadNonBlocking returns (nil, nil) if no data is queued yet, after waiting
// at most nonBlockingWait. Once the first header byte is observed, it
// behaves like ReadBlocking for the remainder of that frame. Callers that
// want to poll repeatedly own their own retry cadence between calls.
func (c *Channel) ReadNonBlocking() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(nonBlockingWait))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	return c.readFrame(false)
}

func (c *Channel) readFrame(blocking bool) ([]byte, error) {
	var header [headerLen]byte
	got := 0
	for got < headerLen {
		n, err := c.conn.Read(header[got:])
		got += n
		if err != nil {
			if isTimeout(err) {
				if got == 0 && !blocking {
					return nil, nil
				}
				// Partial header already landed: per spec, behave as
				// blocking for the remainder of the frame.
				_ = c.conn.SetReadDeadline(time.Time{})
				continue
			}
			if err == io.EOF {
				return nil, ErrChannelClosed
			}
			return nil, err
		}
	}

	length, err := decodeHeader(header)
	if err != nil {
		return nil, ErrChannelProtocol
	}

	payload := make([]byte, length)
	got = 0
	for got < length {
		n, err := c.conn.Read(payload[got:])
		got += n
		if err != nil {
			if isTimeout(err) {
				// A frame header always implies a bounded amount of
				// remaining payload; keep blocking until it lands.
				_ = c.conn.SetReadDeadline(time.Time{})
				continue
			}
			if err == io.EOF {
				return nil, ErrChannelClosed
			}
			return nil, err
		}
	}

	return payload, nil
}

// Write sends one frame, looping until every byte is flushed.
func (c *Channel) Write(payload []byte) error {
	if len(payload) > MaxPayloadLen {
		return ErrChannelProtocol
	}

	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, encodeHeader(len(payload))...)
	buf = append(buf, payload...)

	_ = c.conn.SetWriteDeadline(time.Time{})
	off := 0
	for off < len(buf) {
		n, err := c.conn.Write(buf[off:])
		off += n
		if err != nil {
			return errors.Join(ErrChannelBroken, err)
		}
	}
	return nil
}

func encodeHeader(length int) []byte {
	var raw [4]byte
	raw[0] = byte(length >> 24)
	raw[1] = byte(length >> 16)
	raw[2] = byte(length >> 8)
	raw[3] = byte(length)
	dst := make([]byte, headerLen)
	hex.Encode(dst, raw[:])
	return dst
}

func decodeHeader(header [headerLen]byte) (int, error) {
	var raw [4]byte
	if _, err := hex.Decode(raw[:], header[:]); err != nil {
		return 0, err
	}
	length := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	return length, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
