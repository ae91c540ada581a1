package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/quantarax/verisync/internal/codec"
	"github.com/quantarax/verisync/internal/hashtree"
)

func TestMessageStreamFraming(t *testing.T) {
	a, b := Pipe()
	defer a.Reset()
	defer b.Reset()
	send, recv := NewMessageStream(a), NewMessageStream(b)

	hash, ob := hashtree.Build(bytes.Repeat([]byte("x"), 5000))
	proof, err := ob.Proof(2)
	if err != nil {
		t.Fatal(err)
	}
	msgs := []Message{
		&RequestRanges{Hash: hash, Wanted: "0-4096", AcceptEncodings: []string{"zstd", "none"}},
		&Chunk{Offset: 2048, Length: 1024, Proof: EncodeProof(proof), Encoding: "none", Data: make([]byte, 1024)},
		&Complete{},
	}
	go func() {
		for _, m := range msgs {
			if _, err := send.Send(m); err != nil {
				return
			}
		}
	}()

	req, err := recv.ReceiveRequest()
	if err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}
	if req.Hash != hash || req.Wanted != "0-4096" || len(req.AcceptEncodings) != 2 {
		t.Fatalf("request = %+v", req)
	}

	msg, err := recv.Receive()
	if err != nil {
		t.Fatalf("Receive chunk: %v", err)
	}
	chunk, ok := msg.(*Chunk)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	got, err := DecodeProof(chunk.Proof)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(proof) || got[0] != proof[0] {
		t.Fatalf("proof did not survive the wire")
	}

	msg, err = recv.Receive()
	if err != nil {
		t.Fatalf("Receive complete: %v", err)
	}
	if msg.Type() != MessageTypeComplete {
		t.Fatalf("got %s", msg.Type())
	}
}

func TestReceiveRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"unknown type", frame(42, []byte{0xa0}), ErrUnknownMessage},
		{"oversized", frame(byte(MessageTypeChunk), nil, MaxFrameSize+1), ErrFrameTooLarge},
		{"not cbor", frame(byte(MessageTypeChunk), []byte{0xff, 0x00}), ErrMalformedMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := Pipe()
			defer a.Reset()
			defer b.Reset()
			go a.Write(tc.frame)

			_, err := NewMessageStream(b).Receive()
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReceiveRequestRejectsOtherMessages(t *testing.T) {
	a, b := Pipe()
	defer a.Reset()
	defer b.Reset()
	go NewMessageStream(a).Send(&Complete{})

	_, err := NewMessageStream(b).ReceiveRequest()
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("got %v", err)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	payload, err := codec.Marshal(map[string]any{
		"kind":        "NotFound",
		"detail":      "no such blob",
		"retry_after": 30,
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := DecodeMessage(MessageTypeError, payload)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	em := msg.(*ErrorMessage)
	if em.Kind != "NotFound" || em.Detail != "no such blob" {
		t.Fatalf("got %+v", em)
	}
}

func TestDecodeProofRejectsPartialHash(t *testing.T) {
	if _, err := DecodeProof(make([]byte, 33)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("got %v", err)
	}
	proof, err := DecodeProof(nil)
	if err != nil || len(proof) != 0 {
		t.Fatalf("empty proof: %v, %v", proof, err)
	}
}

// frame builds a raw frame; declared overrides the length field.
func frame(msgType byte, payload []byte, declared ...uint32) []byte {
	n := uint32(len(payload))
	if len(declared) > 0 {
		n = declared[0]
	}
	out := []byte{msgType}
	out = binary.BigEndian.AppendUint32(out, n)
	return append(out, payload...)
}

func TestCompressRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("verified streaming "), 60)[:1024]
	random := make([]byte, 1024)
	rand.New(rand.NewSource(1)).Read(random)

	for _, enc := range []Encoding{EncodingNone, EncodingLZ4, EncodingZstd} {
		payload, used, err := Compress(text, enc)
		if err != nil {
			t.Fatalf("%s: %v", enc, err)
		}
		if enc != EncodingNone && (used != enc || len(payload) >= len(text)) {
			t.Fatalf("%s: text not compressed (used %s, %d bytes)", enc, used, len(payload))
		}
		out, err := Decompress(payload, used, len(text))
		if err != nil || !bytes.Equal(out, text) {
			t.Fatalf("%s: round trip failed: %v", enc, err)
		}

		payload, used, err = Compress(random, enc)
		if err != nil {
			t.Fatalf("%s: %v", enc, err)
		}
		if used != EncodingNone || !bytes.Equal(payload, random) {
			t.Fatalf("%s: random data should fall back to none, got %s", enc, used)
		}
	}
}

func TestDecompressChecksLength(t *testing.T) {
	text := bytes.Repeat([]byte("a"), 1024)
	for _, enc := range []Encoding{EncodingNone, EncodingLZ4, EncodingZstd} {
		payload, used, err := Compress(text, enc)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Decompress(payload, used, 1000); !errors.Is(err, ErrBadEncoding) {
			t.Fatalf("%s: expected ErrBadEncoding, got %v", enc, err)
		}
	}
	if _, err := Decompress([]byte{1, 2, 3}, EncodingZstd, 3); !errors.Is(err, ErrBadEncoding) {
		t.Fatalf("garbage zstd: %v", err)
	}
}

func TestNegotiate(t *testing.T) {
	pref := []Encoding{EncodingZstd, EncodingLZ4, EncodingNone}
	if got := Negotiate([]string{"lz4", "none"}, pref); got != EncodingLZ4 {
		t.Fatalf("got %s", got)
	}
	if got := Negotiate(nil, pref); got != EncodingNone {
		t.Fatalf("got %s", got)
	}
	if got := Negotiate([]string{"brotli"}, pref); got != EncodingNone {
		t.Fatalf("got %s", got)
	}
}

func FuzzDecodeMessage(f *testing.F) {
	for _, m := range []Message{
		&RequestRanges{Wanted: "0-1024"},
		&ResponseMeta{Size: 10, SizeKnown: true, Available: "0-10"},
		&Chunk{Offset: 0, Length: 3, Data: []byte("abc")},
		&ErrorMessage{Kind: "NotFound"},
	} {
		data, err := codec.Marshal(m)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(uint8(m.Type()), data)
	}
	f.Fuzz(func(t *testing.T, msgType uint8, data []byte) {
		msg, err := DecodeMessage(MessageType(msgType), data)
		if err != nil {
			return
		}
		if msg.Type() != MessageType(msgType) {
			t.Fatalf("decoded %s from type %d", msg.Type(), msgType)
		}
	})
}
