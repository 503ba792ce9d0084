package ingress

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxClientHelloPrefix bounds how much of a ClientHello the relay will
// buffer while sniffing SNI (spec.md §4.5: "MUST NOT hold more than a
// small bounded prefix in memory"). A single TLS record is at most 16KiB
// (2^14) by protocol; real ClientHellos are far smaller.
const maxClientHelloPrefix = 16*1024 + 5

// peekClientHelloSNI reads exactly one TLS record containing a
// ClientHello from r and extracts the SNI server-name extension. It
// returns every byte read, verbatim, as raw — the caller forwards this
// prefix on to the agent so the TLS handshake remains byte-identical
// end-to-end (the relay never decrypts, per spec.md's passthrough
// invariant). There is no third-party ClientHello parser in the example
// pack, and crypto/tls does not expose one that yields the raw bytes
// alongside the parsed SNI, so this is a small stdlib-only parser.
func peekClientHelloSNI(r io.Reader) (sni string, raw []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", nil, fmt.Errorf("reading tls record header: %w", err)
	}
	if header[0] != 0x16 {
		return "", header, fmt.Errorf("not a tls handshake record (type 0x%02x)", header[0])
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen <= 0 || len(header)+recordLen > maxClientHelloPrefix {
		return "", header, fmt.Errorf("implausible tls record length %d", recordLen)
	}

	body := make([]byte, recordLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", append(header, body...), fmt.Errorf("reading client hello body: %w", err)
	}
	raw = append(header, body...)

	sni, perr := parseClientHelloSNI(body)
	if perr != nil {
		return "", raw, perr
	}
	return sni, raw, nil
}

// parseClientHelloSNI walks a handshake-message body (handshake_type(1) +
// length(3) + ClientHello) looking for the server_name extension
// (RFC 6066 §3).
func parseClientHelloSNI(body []byte) (string, error) {
	if len(body) < 4 || body[0] != 0x01 { // handshake_type == client_hello
		return "", fmt.Errorf("not a client hello handshake message")
	}
	msgLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if 4+msgLen > len(body) {
		return "", fmt.Errorf("client hello spans multiple tls records (unsupported)")
	}
	p := body[4 : 4+msgLen]

	// client_version(2) + random(32)
	if len(p) < 34 {
		return "", fmt.Errorf("client hello too short")
	}
	p = p[34:]

	p, err := skipLenPrefixed1(p) // session_id
	if err != nil {
		return "", err
	}
	p, err = skipLenPrefixed2(p) // cipher_suites
	if err != nil {
		return "", err
	}
	p, err = skipLenPrefixed1(p) // compression_methods
	if err != nil {
		return "", err
	}

	if len(p) < 2 {
		return "", fmt.Errorf("client hello: no extensions present")
	}
	extLen := int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]
	if extLen > len(p) {
		return "", fmt.Errorf("client hello: extensions length overruns body")
	}
	p = p[:extLen]

	for len(p) >= 4 {
		extType := binary.BigEndian.Uint16(p[:2])
		extDataLen := int(binary.BigEndian.Uint16(p[2:4]))
		p = p[4:]
		if extDataLen > len(p) {
			return "", fmt.Errorf("client hello: extension data overruns body")
		}
		extData := p[:extDataLen]
		p = p[extDataLen:]

		if extType != 0 { // server_name
			continue
		}
		return parseServerNameExtension(extData)
	}
	return "", fmt.Errorf("client hello: no server_name extension")
}

func parseServerNameExtension(data []byte) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("server_name extension too short")
	}
	listLen := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if listLen > len(data) {
		return "", fmt.Errorf("server_name list length overruns extension")
	}
	for len(data) >= 3 {
		nameType := data[0]
		nameLen := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if nameLen > len(data) {
			return "", fmt.Errorf("server_name entry overruns extension")
		}
		name := data[:nameLen]
		data = data[nameLen:]
		if nameType == 0 { // host_name
			return string(name), nil
		}
	}
	return "", fmt.Errorf("server_name extension: no host_name entry")
}

func skipLenPrefixed1(p []byte) ([]byte, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("truncated length-prefixed field")
	}
	n := int(p[0])
	if 1+n > len(p) {
		return nil, fmt.Errorf("length-prefixed field overruns body")
	}
	return p[1+n:], nil
}

func skipLenPrefixed2(p []byte) ([]byte, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("truncated length-prefixed field")
	}
	n := int(binary.BigEndian.Uint16(p[:2]))
	if 2+n > len(p) {
		return nil, fmt.Errorf("length-prefixed field overruns body")
	}
	return p[2+n:], nil
}
