// Package protocol implements the binary frame layout used when two
// dispatchers talk over a byte-stream channel.
//
// A byte stream has no message boundaries, so every message is wrapped in a
// fixed 10-byte header followed by a variable-length body. The receiver reads
// the header first to learn the body length, then reads exactly that many
// bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...   │
//	│ plk  │01│  │  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// There is no sequence field: request/response correlation travels inside the
// body as a random id, so the frame layer stays a dumb byte pipe.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "plk". Used to reject connections that are not
// speaking this protocol before any body bytes are trusted.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x6c // 'l'
	MagicByte3  byte = 0x6b // 'k'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)
)

// DefaultMaxBody caps the body length a receiver accepts. A corrupted or
// hostile length field must not make the receiver allocate gigabytes.
const DefaultMaxBody uint32 = 8 << 20

// MsgType distinguishes the three envelope kinds on the wire.
type MsgType byte

const (
	MsgRequest  MsgType = 0 // call on the peer
	MsgResponse MsgType = 1 // result or error for one request
	MsgControl  MsgType = 2 // lifecycle state synchronization
)

// Codec type constants, mirrored from the codec package to avoid a circular
// import.
const (
	CodecTypeJSON byte = 0
	CodecTypeGob  byte = 1
)

var (
	ErrBadMagic      = errors.New("protocol: bad magic number")
	ErrVersion       = errors.New("protocol: unsupported version")
	ErrBadCodec      = errors.New("protocol: unsupported codec type")
	ErrBadMsgType    = errors.New("protocol: unsupported message type")
	ErrFrameTooLarge = errors.New("protocol: frame body exceeds limit")
)

// Header is the fixed 10-byte frame header. It carries the metadata needed
// to decode the following body correctly.
type Header struct {
	CodecType byte    // serialization format of the body: 0=JSON, 1=gob
	MsgType   MsgType // request, response, or control
	BodyLen   uint32  // body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	// Magic: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	// Version: 1 byte, for future layout changes
	buf[3] = Version
	// Codec type: 1 byte
	buf[4] = h.CodecType
	// Message type: 1 byte
	buf[5] = byte(h.MsgType)
	// Body length: 4 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r, validating the magic
// number, version, codec type, message type, and body length against
// maxBody (0 means DefaultMaxBody). io.ReadFull guarantees exactly the
// advertised number of bytes is consumed, so the stream stays aligned on
// frame boundaries.
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	if maxBody == 0 {
		maxBody = DefaultMaxBody
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrBadMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrVersion, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeGob {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadCodec, headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType > byte(MsgControl) {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadMsgType, msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		BodyLen:   bodyLen,
	}, body, nil
}
