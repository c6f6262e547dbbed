package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
)

// FrameTypeControl marks a gob encoded control message. Chunk bodies are not
// framed: they follow the ready token as exactly Size raw bytes.
const FrameTypeControl = 0x01

// Header is the fixed-size frame header
// [Type (1 byte)] + [Length (4 bytes)]
const HeaderSize = 5

// MaxFrameSize caps control messages; requests and headers are tiny.
const MaxFrameSize = 64 * 1024

func writeFrameHeader(w io.Writer, msgType uint8, length uint32) error {
	buf := make([]byte, HeaderSize)
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:], length)

	_, err := w.Write(buf)
	return err
}

func readFrameHeader(r io.Reader) (uint8, uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}
	return buf[0], binary.BigEndian.Uint32(buf[1:]), nil
}

// WriteMessage gob-encodes v and writes it as one control frame. Header and
// payload go out in a single write.
func WriteMessage(w io.Writer, v any) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return fmt.Errorf("%w: encode %T: %v", errdefs.ErrProtocol, v, err)
	}
	if payload.Len() > MaxFrameSize {
		return fmt.Errorf("%w: %T encodes to %d bytes, max %d", errdefs.ErrProtocol, v, payload.Len(), MaxFrameSize)
	}

	var frame bytes.Buffer
	frame.Grow(HeaderSize + payload.Len())
	if err := writeFrameHeader(&frame, FrameTypeControl, uint32(payload.Len())); err != nil {
		return err
	}
	frame.Write(payload.Bytes())

	if _, err := w.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("%w: write %T: %v", errdefs.ErrNetwork, v, err)
	}
	return nil
}

// ReadMessage reads exactly one control frame and decodes it into v. It never
// consumes bytes past the end of the frame.
func ReadMessage(r io.Reader, v any) error {
	msgType, length, err := readFrameHeader(r)
	if err != nil {
		return fmt.Errorf("%w: read frame header: %v", errdefs.ErrNetwork, err)
	}
	if msgType != FrameTypeControl {
		return fmt.Errorf("%w: unexpected frame type 0x%02x", errdefs.ErrProtocol, msgType)
	}
	if length == 0 || length > MaxFrameSize {
		return fmt.Errorf("%w: invalid frame length %d", errdefs.ErrProtocol, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: read frame payload (%d bytes): %v", errdefs.ErrNetwork, length, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", errdefs.ErrProtocol, v, err)
	}
	return nil
}

func WriteReady(w io.Writer) error {
	if _, err := w.Write(ReadyToken); err != nil {
		return fmt.Errorf("%w: write ready token: %v", errdefs.ErrNetwork, err)
	}
	return nil
}

func ReadReady(r io.Reader) error {
	buf := make([]byte, len(ReadyToken))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: read ready token: %v", errdefs.ErrNetwork, err)
	}
	if !bytes.Equal(buf, ReadyToken) {
		return fmt.Errorf("%w: bad ready token %q", errdefs.ErrProtocol, buf)
	}
	return nil
}

// ErrorHeader builds an ERR header.
func ErrorHeader(msg string) ChunkResponseHeader {
	return ChunkResponseHeader{Status: StatusErr, Message: msg}
}

// CheckHeader classifies a received header. An ERR for a missing chunk maps
// to errdefs.ErrNotFound; any other ERR or unknown status is a protocol error.
func CheckHeader(h ChunkResponseHeader) error {
	switch h.Status {
	case StatusOK:
		return nil
	case StatusErr:
		if h.Message == MsgNoSuchChunk {
			return fmt.Errorf("%w: peer: %s", errdefs.ErrNotFound, h.Message)
		}
		return fmt.Errorf("%w: peer error: %s", errdefs.ErrProtocol, h.Message)
	default:
		return fmt.Errorf("%w: unexpected status %q", errdefs.ErrProtocol, h.Status)
	}
}

// ReadBody reads exactly size bytes in BlockSize steps.
func ReadBody(r io.Reader, size uint64) ([]byte, error) {
	data := make([]byte, size)
	var got uint64
	for got < size {
		end := got + BlockSize
		if end > size {
			end = size
		}
		n, err := io.ReadFull(r, data[got:end])
		got += uint64(n)
		if err != nil {
			return nil, fmt.Errorf("%w: body %d/%d bytes: %v", errdefs.ErrNetwork, got, size, err)
		}
	}
	return data, nil
}
