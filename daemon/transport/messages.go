package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quantarax/verisync/internal/codec"
	"github.com/quantarax/verisync/internal/hashtree"
)

var (
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// MaxFrameSize bounds a single frame's payload.
const MaxFrameSize = 4 << 20

// MaxWireRanges bounds the ranges a peer may list in Wanted or Available.
const MaxWireRanges = 1 << 16

const frameHeaderSize = 1 + 4

// MessageType is the first byte of every frame.
type MessageType uint8

const (
	MessageTypeRequestRanges MessageType = iota + 1
	MessageTypeResponseMeta
	MessageTypeChunk
	MessageTypeComplete
	MessageTypeError
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequestRanges:
		return "REQUEST_RANGES"
	case MessageTypeResponseMeta:
		return "RESPONSE_META"
	case MessageTypeChunk:
		return "CHUNK"
	case MessageTypeComplete:
		return "COMPLETE"
	case MessageTypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message is implemented by every wire message.
type Message interface {
	Type() MessageType
}

// RequestRanges opens a session. An empty Wanted asks for the whole blob.
type RequestRanges struct {
	Hash            hashtree.Hash `cbor:"hash"`
	Wanted          string        `cbor:"wanted"`
	AcceptEncodings []string      `cbor:"accept_encodings,omitempty"`
}

// ResponseMeta answers RequestRanges with the blob size and the part of
// the request the responder will send.
type ResponseMeta struct {
	Size      uint64 `cbor:"size"`
	SizeKnown bool   `cbor:"size_known"`
	Available string `cbor:"available"`
	Encoding  string `cbor:"encoding,omitempty"`
}

// Chunk carries one chunk and the sibling hashes the requester does not
// know yet, concatenated bottom-up.
type Chunk struct {
	Offset   uint64 `cbor:"offset"`
	Length   uint32 `cbor:"length"`
	Proof    []byte `cbor:"proof"`
	Encoding string `cbor:"encoding,omitempty"`
	Data     []byte `cbor:"data"`
}

// Complete ends a successful response.
type Complete struct{}

// ErrorMessage ends a failed response.
type ErrorMessage struct {
	Kind   string `cbor:"kind"`
	Detail string `cbor:"detail"`
}

func (*RequestRanges) Type() MessageType { return MessageTypeRequestRanges }
func (*ResponseMeta) Type() MessageType  { return MessageTypeResponseMeta }
func (*Chunk) Type() MessageType         { return MessageTypeChunk }
func (*Complete) Type() MessageType      { return MessageTypeComplete }
func (*ErrorMessage) Type() MessageType  { return MessageTypeError }

// EncodeProof concatenates proof hashes.
func EncodeProof(proof []hashtree.Hash) []byte {
	out := make([]byte, 0, len(proof)*len(hashtree.Hash{}))
	for _, h := range proof {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeProof splits concatenated proof hashes.
func DecodeProof(raw []byte) ([]hashtree.Hash, error) {
	const hs = len(hashtree.Hash{})
	if len(raw)%hs != 0 {
		return nil, fmt.Errorf("%w: proof of %d bytes", ErrMalformedMessage, len(raw))
	}
	proof := make([]hashtree.Hash, len(raw)/hs)
	for i := range proof {
		copy(proof[i][:], raw[i*hs:])
	}
	return proof, nil
}

// MessageStream frames messages over a Stream. Send and Receive may be
// used from different goroutines; each is serialized internally.
type MessageStream struct {
	stream Stream
	r      *bufio.Reader

	sendMu sync.Mutex
	recvMu sync.Mutex
	buf    []byte
}

// NewMessageStream wraps stream.
func NewMessageStream(stream Stream) *MessageStream {
	return &MessageStream{
		stream: stream,
		r:      bufio.NewReaderSize(stream, 64<<10),
	}
}

// Stream returns the underlying stream.
func (ms *MessageStream) Stream() Stream { return ms.stream }

// Send writes one frame. It returns the number of bytes written.
func (ms *MessageStream) Send(msg Message) (int, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	if len(data) > MaxFrameSize {
		return 0, fmt.Errorf("%w: %s of %d bytes", ErrFrameTooLarge, msg.Type(), len(data))
	}

	ms.sendMu.Lock()
	defer ms.sendMu.Unlock()
	ms.buf = ms.buf[:0]
	ms.buf = append(ms.buf, byte(msg.Type()))
	ms.buf = binary.BigEndian.AppendUint32(ms.buf, uint32(len(data)))
	ms.buf = append(ms.buf, data...)
	return ms.stream.Write(ms.buf)
}

// ReceiveAny reads one frame and returns its type and raw payload.
func (ms *MessageStream) ReceiveAny() (MessageType, []byte, error) {
	ms.recvMu.Lock()
	defer ms.recvMu.Unlock()

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(ms.r, hdr[:]); err != nil {
		return 0, nil, err
	}
	msgType := MessageType(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %s of %d bytes", ErrFrameTooLarge, msgType, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(ms.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return msgType, data, nil
}

// Receive reads and decodes one message.
func (ms *MessageStream) Receive() (Message, error) {
	msgType, data, err := ms.ReceiveAny()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(msgType, data)
}

// DecodeMessage decodes a payload of the given type.
func DecodeMessage(msgType MessageType, data []byte) (Message, error) {
	var msg Message
	switch msgType {
	case MessageTypeRequestRanges:
		msg = &RequestRanges{}
	case MessageTypeResponseMeta:
		msg = &ResponseMeta{}
	case MessageTypeChunk:
		msg = &Chunk{}
	case MessageTypeComplete:
		msg = &Complete{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(msgType))
	}
	if err := codec.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msgType, err)
	}
	return msg, nil
}

// ReceiveRequest reads the message that opens a session.
func (ms *MessageStream) ReceiveRequest() (*RequestRanges, error) {
	msg, err := ms.Receive()
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*RequestRanges)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, MessageTypeRequestRanges, msg.Type())
	}
	return req, nil
}

// Close closes the write side of the stream.
func (ms *MessageStream) Close() error {
	return ms.stream.Close()
}
