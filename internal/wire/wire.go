// Package wire frames the records the Redis backend persists: a strict,
// versioned envelope so foreign or corrupt bytes are detected and
// self-healed on read instead of being surfaced as cache hits.
//
// Every record carries the URL digest it was stored under and the digest's
// invalidation epoch at store time; readers drop records whose epoch no
// longer matches the digest's current epoch.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version       byte = 1
	kindCandidate byte = 1
	kindResponse  byte = 2
)

var (
	ErrCorrupt = errors.New("varystore: corrupt record")
	magic4     = [...]byte{'V', 'R', 'Y', 'S'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func writeHeader(buf *bytes.Buffer, kind byte, epoch uint64, digest string) {
	var u8 [8]byte
	var u2 [2]byte

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	binary.BigEndian.PutUint64(u8[:], epoch)
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(digest)))
	buf.Write(u2[:])
	buf.WriteString(digest)
}

// header: magic(4) | ver(1) | kind(1) | epoch(u64 be) | dlen(u16 be) | digest(dlen)
func readHeader(b []byte, kind byte) (epoch uint64, digest string, off int, err error) {
	const fixed = 4 + 1 + 1 + 8 + 2
	if len(b) < fixed || !hasMagic(b) || b[4] != version || b[5] != kind {
		return 0, "", 0, ErrCorrupt
	}
	off = 6

	epoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	dlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if dlen > len(b)-off {
		return 0, "", 0, ErrCorrupt
	}
	digest = string(b[off : off+dlen])
	off += dlen
	return epoch, digest, off, nil
}

// Candidate: header | plen(u32 be) | payload(plen)
func EncodeCandidate(epoch uint64, digest string, payload []byte) []byte {
	if len(digest) > 0xFFFF {
		panic("varystore: digest too long for wire record")
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 2 + len(digest) + 4 + len(payload))

	writeHeader(&buf, kindCandidate, epoch, digest)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes()
}

func DecodeCandidate(b []byte) (epoch uint64, digest string, payload []byte, err error) {
	epoch, digest, off, err := readHeader(b, kindCandidate)
	if err != nil {
		return 0, "", nil, err
	}
	if off+4 > len(b) {
		return 0, "", nil, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen != len(b)-off { // exact fit; trailing junk is corruption
		return 0, "", nil, ErrCorrupt
	}
	return epoch, digest, b[off : off+plen], nil
}

// Response: header | mlen(u32 be) | meta(mlen) | blen(u32 be) | body(blen)
// The meta segment is the codec-encoded response record; the body segment is
// raw bytes, stored unencoded.
func EncodeResponse(epoch uint64, digest string, meta, body []byte) []byte {
	if len(digest) > 0xFFFF {
		panic("varystore: digest too long for wire record")
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 2 + len(digest) + 4 + len(meta) + 4 + len(body))

	writeHeader(&buf, kindResponse, epoch, digest)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(meta)))
	buf.Write(u4[:])
	buf.Write(meta)

	binary.BigEndian.PutUint32(u4[:], uint32(len(body)))
	buf.Write(u4[:])
	buf.Write(body)
	return buf.Bytes()
}

func DecodeResponse(b []byte) (epoch uint64, digest string, meta, body []byte, err error) {
	epoch, digest, off, err := readHeader(b, kindResponse)
	if err != nil {
		return 0, "", nil, nil, err
	}

	if off+4 > len(b) {
		return 0, "", nil, nil, ErrCorrupt
	}
	mlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if mlen > len(b)-off {
		return 0, "", nil, nil, ErrCorrupt
	}
	meta = b[off : off+mlen]
	off += mlen

	if off+4 > len(b) {
		return 0, "", nil, nil, ErrCorrupt
	}
	blen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if blen != len(b)-off {
		return 0, "", nil, nil, ErrCorrupt
	}
	return epoch, digest, meta, b[off : off+blen], nil
}
