package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serialises a frame into a length-prefixed wire message: a 4-byte
// big-endian length header followed by the tagged-union payload (all
// integer fields little-endian, per spec.md §4.2).
func Encode(f *Frame) ([]byte, error) {
	var body bytes.Buffer
	w := &writer{buf: &body}

	w.u32(uint32(f.Tag))
	switch f.Tag {
	case TagConnect:
		w.str(f.TunnelIDHint)
		w.str(f.AuthToken)
		w.bindings(f.Protocols)
		w.tunnelConfig(f.Config)
	case TagConnected:
		w.str(f.TunnelID)
		w.u64(uint64(len(f.Endpoints)))
		for _, ep := range f.Endpoints {
			w.binding(ep.Binding)
			w.str(ep.PublicURL)
			w.optU16(ep.Port != 0, ep.Port)
		}
	case TagDisconnect:
		w.str(f.Reason)
	case TagPing, TagPong:
		w.u64(f.Timestamp)
	case TagHTTPStreamConnect:
		w.u64(f.StreamID)
		w.bytesField(f.InitialData)
	case TagHTTPStreamData:
		w.u64(f.StreamID)
		w.bytesField(f.Data)
	case TagHTTPStreamClose:
		w.u64(f.StreamID)
	case TagTCPConnect:
		w.u64(f.StreamID)
		w.u16(f.PublicPort)
	case TagTCPData:
		w.u64(f.StreamID)
		w.bytesField(f.Data)
	case TagTCPClose:
		w.u64(f.StreamID)
	default:
		return nil, fmt.Errorf("wire: unknown frame tag %#x", f.Tag)
	}
	if w.err != nil {
		return nil, w.err
	}

	if body.Len() > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", body.Len())
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// Decode parses a frame payload (without the length header) produced by
// Encode.
func Decode(payload []byte) (*Frame, error) {
	r := &reader{buf: payload}
	tag := Tag(r.u32())
	f := &Frame{Tag: tag}

	switch tag {
	case TagConnect:
		f.TunnelIDHint = r.str()
		f.AuthToken = r.str()
		f.Protocols = r.bindings()
		f.Config = r.tunnelConfig()
	case TagConnected:
		f.TunnelID = r.str()
		n := r.u64()
		f.Endpoints = make([]Endpoint, 0, n)
		for i := uint64(0); i < n; i++ {
			b := r.binding()
			url := r.str()
			_, port := r.optU16()
			f.Endpoints = append(f.Endpoints, Endpoint{Binding: b, PublicURL: url, Port: port})
		}
	case TagDisconnect:
		f.Reason = r.str()
	case TagPing, TagPong:
		f.Timestamp = r.u64()
	case TagHTTPStreamConnect:
		f.StreamID = r.u64()
		f.InitialData = r.bytesField()
	case TagHTTPStreamData:
		f.StreamID = r.u64()
		f.Data = r.bytesField()
	case TagHTTPStreamClose:
		f.StreamID = r.u64()
	case TagTCPConnect:
		f.StreamID = r.u64()
		f.PublicPort = r.u16()
	case TagTCPData:
		f.StreamID = r.u64()
		f.Data = r.bytesField()
	case TagTCPClose:
		f.StreamID = r.u64()
	default:
		return nil, fmt.Errorf("wire: unknown frame tag %#x", tag)
	}
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}

// ReadFrame reads one length-prefixed frame from r, rejecting anything
// larger than MaxFrameSize.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	return Decode(payload)
}

// WriteFrame encodes and writes f to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// --- little-endian payload primitives ---

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) u16(v uint16) {
	if w.err != nil {
		return
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u32(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) str(s string) {
	w.bytesField([]byte(s))
}

func (w *writer) bytesField(b []byte) {
	if w.err != nil {
		return
	}
	w.u64(uint64(len(b)))
	w.buf.Write(b)
}

func (w *writer) optU16(present bool, v uint16) {
	if !present {
		w.buf.WriteByte(0)
		return
	}
	w.buf.WriteByte(1)
	w.u16(v)
}

func (w *writer) binding(b Binding) {
	w.u32(uint32(b.Kind))
	switch b.Kind {
	case BindingHTTP, BindingHTTPS:
		w.str(b.Subdomain)
	case BindingTCP:
		w.u16(b.Port)
	case BindingTLS:
		w.u16(b.Port)
		w.str(b.SNIPattern)
	}
}

func (w *writer) bindings(bs []Binding) {
	w.u64(uint64(len(bs)))
	for _, b := range bs {
		w.binding(b)
	}
}

func (w *writer) tunnelConfig(c TunnelConfig) {
	w.str(c.LocalHost)
	w.u16(c.LocalPort)
	w.boolean(c.LocalHTTPS)
	w.str(c.ExitNode)
	w.boolean(c.Failover)
	w.u64(uint64(len(c.IPAllowlist)))
	for _, s := range c.IPAllowlist {
		w.str(s)
	}
	w.boolean(c.EnableCompression)
	w.boolean(c.EnableMultiplexing)
}

func (w *writer) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("wire: unexpected end of frame payload")
		return false
	}
	return true
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytesField() []byte {
	n := r.u64()
	if r.err != nil {
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b
}

func (r *reader) str() string {
	return string(r.bytesField())
}

func (r *reader) optU16() (bool, uint16) {
	if !r.need(1) {
		return false, 0
	}
	present := r.buf[r.off] != 0
	r.off++
	if !present {
		return false, 0
	}
	return true, r.u16()
}

func (r *reader) binding() Binding {
	kind := BindingKind(r.u32())
	b := Binding{Kind: kind}
	switch kind {
	case BindingHTTP, BindingHTTPS:
		b.Subdomain = r.str()
	case BindingTCP:
		b.Port = r.u16()
	case BindingTLS:
		b.Port = r.u16()
		b.SNIPattern = r.str()
	}
	return b
}

func (r *reader) bindings() []Binding {
	n := r.u64()
	out := make([]Binding, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.binding())
	}
	return out
}

func (r *reader) boolean() bool {
	if !r.need(1) {
		return false
	}
	v := r.buf[r.off] != 0
	r.off++
	return v
}

func (r *reader) tunnelConfig() TunnelConfig {
	var c TunnelConfig
	c.LocalHost = r.str()
	c.LocalPort = r.u16()
	c.LocalHTTPS = r.boolean()
	c.ExitNode = r.str()
	c.Failover = r.boolean()
	n := r.u64()
	c.IPAllowlist = make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		c.IPAllowlist = append(c.IPAllowlist, r.str())
	}
	c.EnableCompression = r.boolean()
	c.EnableMultiplexing = r.boolean()
	return c
}
