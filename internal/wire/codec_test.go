package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func allFrames() []*Frame {
	return []*Frame{
		{Tag: TagConnect, TunnelIDHint: "app", AuthToken: "tok", Protocols: []Binding{
			{Kind: BindingHTTP, Subdomain: "app"},
			{Kind: BindingTCP, Port: 10000},
			{Kind: BindingTLS, Port: 443, SNIPattern: "*.example.com"},
		}, Config: TunnelConfig{LocalHost: "127.0.0.1", LocalPort: 3000, IPAllowlist: []string{"10.0.0.0/8"}}},
		{Tag: TagConnected, TunnelID: "t-1", Endpoints: []Endpoint{
			{Binding: Binding{Kind: BindingHTTP, Subdomain: "app"}, PublicURL: "http://app.tunnel.test", Port: 0},
			{Binding: Binding{Kind: BindingTCP, Port: 10000}, PublicURL: "tcp://tunnel.test:10000", Port: 10000},
		}},
		{Tag: TagDisconnect, Reason: "in use: app.tunnel.test"},
		{Tag: TagPing, Timestamp: 1234567890},
		{Tag: TagPong, Timestamp: 1234567890},
		{Tag: TagHTTPStreamConnect, StreamID: 42, InitialData: []byte("GET / HTTP/1.1\r\n\r\n")},
		{Tag: TagHTTPStreamData, StreamID: 42, Data: []byte("hello")},
		{Tag: TagHTTPStreamClose, StreamID: 42},
		{Tag: TagTCPConnect, StreamID: 7, PublicPort: 10000},
		{Tag: TagTCPData, StreamID: 7, Data: []byte{1, 2, 3}},
		{Tag: TagTCPClose, StreamID: 7},
	}
}

func framesEqual(a, b *Frame) bool {
	if a.Tag != b.Tag || a.TunnelIDHint != b.TunnelIDHint || a.AuthToken != b.AuthToken ||
		a.TunnelID != b.TunnelID || a.Reason != b.Reason || a.Timestamp != b.Timestamp ||
		a.StreamID != b.StreamID || a.PublicPort != b.PublicPort {
		return false
	}
	if !bytes.Equal(a.InitialData, b.InitialData) || !bytes.Equal(a.Data, b.Data) {
		return false
	}
	if len(a.Protocols) != len(b.Protocols) || len(a.Endpoints) != len(b.Endpoints) {
		return false
	}
	for i := range a.Protocols {
		if a.Protocols[i] != b.Protocols[i] {
			return false
		}
	}
	for i := range a.Endpoints {
		if a.Endpoints[i] != b.Endpoints[i] {
			return false
		}
	}
	return reflect.DeepEqual(a.Config, b.Config)
}

// P3: decode(encode(x)) == x for every frame variant.
func TestRoundTripAllVariants(t *testing.T) {
	for _, f := range allFrames() {
		data, err := Encode(f)
		if err != nil {
			t.Fatalf("tag %#x: encode: %v", f.Tag, err)
		}
		decoded, err := Decode(data[4:])
		if err != nil {
			t.Fatalf("tag %#x: decode: %v", f.Tag, err)
		}
		if !framesEqual(f, decoded) {
			t.Errorf("tag %#x: round trip mismatch: got %+v, want %+v", f.Tag, decoded, f)
		}
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	want := &Frame{Tag: TagPing, Timestamp: 99}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !framesEqual(want, got) {
		t.Errorf("mismatch: got %+v, want %+v", got, want)
	}
}

func TestRejectsOversizedFrame(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	f := &Frame{Tag: TagTCPData, StreamID: 1, Data: huge}
	if _, err := Encode(f); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

// P4: for any byte partitioning of a valid encoded stream, the accumulator
// yields the same frame sequence as on the unsplit bytes.
func TestAccumulatorPartitioning(t *testing.T) {
	var all []byte
	want := allFrames()
	for _, f := range want {
		data, err := Encode(f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		all = append(all, data...)
	}

	partitionSizes := []int{1, 2, 3, 7, 13, len(all), len(all) + 10}
	for _, chunkSize := range partitionSizes {
		acc := &Accumulator{}
		var got []*Frame
		for i := 0; i < len(all); i += chunkSize {
			end := i + chunkSize
			if end > len(all) {
				end = len(all)
			}
			frames, err := acc.Feed(all[i:end])
			if err != nil {
				t.Fatalf("chunk size %d: feed: %v", chunkSize, err)
			}
			got = append(got, frames...)
		}
		if len(got) != len(want) {
			t.Fatalf("chunk size %d: got %d frames, want %d", chunkSize, len(got), len(want))
		}
		for i := range want {
			if !framesEqual(want[i], got[i]) {
				t.Errorf("chunk size %d, frame %d: mismatch: got %+v, want %+v", chunkSize, i, got[i], want[i])
			}
		}
	}
}

func TestAccumulatorRetainsExcessBytes(t *testing.T) {
	f1, _ := Encode(&Frame{Tag: TagPing, Timestamp: 1})
	f2, _ := Encode(&Frame{Tag: TagPong, Timestamp: 2})

	acc := &Accumulator{}
	frames, err := acc.Feed(append(f1, f2[:3]...))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 || frames[0].Tag != TagPing {
		t.Fatalf("expected exactly the first frame, got %+v", frames)
	}

	frames, err = acc.Feed(f2[3:])
	if err != nil {
		t.Fatalf("feed remainder: %v", err)
	}
	if len(frames) != 1 || frames[0].Tag != TagPong {
		t.Fatalf("expected the second frame after remainder, got %+v", frames)
	}
}
