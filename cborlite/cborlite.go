// Package cborlite implements a strict cursor decoder for the CBOR subset
// used by attestation and assertion containers: byte strings, text strings,
// arrays, and maps.
//
// The decoder is deliberately narrower than a general-purpose CBOR library.
// Container payloads are attacker-controlled, so anything outside the
// supported subset is a decode failure rather than an extension point:
// integer/simple/tag items, indefinite-length encoding, lengths wider than
// 32 bits, declared sizes that exceed the buffer, and nesting past a fixed
// bound all stop decoding.
package cborlite

// Major types of the supported subset.
const (
	majorBytes = 2
	majorText  = 3
	majorArray = 4
	majorMap   = 5
)

// maxDepth bounds array/map nesting. Attestation containers are at most
// three levels deep in practice.
const maxDepth = 8

// Decoder is a cursor over a CBOR-encoded buffer. Each method decodes the
// item at the cursor and reports success. The first failure latches: every
// later call returns false and the cursor stops advancing.
type Decoder struct {
	buf    []byte
	off    int
	depth  int
	failed bool
}

// NewDecoder returns a Decoder positioned at the start of b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) fail() bool {
	d.failed = true
	return false
}

func (d *Decoder) remaining() int {
	return len(d.buf) - d.off
}

// header reads a 1-byte item header plus any length bytes that follow it.
// Supported length encodings are the inline small form (<24) and the 8, 16,
// and 32 bit wide forms. A declared length larger than the whole buffer can
// never be satisfied and fails immediately.
func (d *Decoder) header() (major, n int, ok bool) {
	if d.failed || d.off >= len(d.buf) {
		return 0, 0, d.fail()
	}
	h := d.buf[d.off]
	d.off++
	major = int(h >> 5)
	info := int(h & 0x1f)

	switch {
	case info < 24:
		n = info
	case info <= 26:
		width := 1 << (info - 24)
		if d.remaining() < width {
			return 0, 0, d.fail()
		}
		var v uint64
		for _, b := range d.buf[d.off : d.off+width] {
			v = v<<8 | uint64(b)
		}
		d.off += width
		if v > uint64(len(d.buf)) {
			return 0, 0, d.fail()
		}
		n = int(v)
	default:
		// 64-bit, reserved, and indefinite-length forms.
		return 0, 0, d.fail()
	}
	return major, n, true
}

// Bytes decodes a byte string. The returned slice aliases the input buffer.
func (d *Decoder) Bytes(v *[]byte) bool {
	major, n, ok := d.header()
	if !ok || major != majorBytes {
		return d.fail()
	}
	if n > d.remaining() {
		return d.fail()
	}
	*v = d.buf[d.off : d.off+n : d.off+n]
	d.off += n
	return true
}

// String decodes a text string.
func (d *Decoder) String(v *string) bool {
	major, n, ok := d.header()
	if !ok || major != majorText {
		return d.fail()
	}
	if n > d.remaining() {
		return d.fail()
	}
	*v = string(d.buf[d.off : d.off+n])
	d.off += n
	return true
}

// Array decodes an array header and invokes fn once per element. fn must
// consume exactly one item per call.
func (d *Decoder) Array(fn func(e *Decoder) bool) bool {
	major, n, ok := d.header()
	if !ok || major != majorArray {
		return d.fail()
	}
	// Every element occupies at least one byte.
	if n > d.remaining() {
		return d.fail()
	}
	if d.depth++; d.depth > maxDepth {
		return d.fail()
	}
	for i := 0; i < n; i++ {
		if !fn(d) || d.failed {
			return d.fail()
		}
	}
	d.depth--
	return true
}

// Map decodes a map header and invokes fn once per key/value pair. fn must
// consume exactly two items per call: the key, then the value.
func (d *Decoder) Map(fn func(kv *Decoder) bool) bool {
	major, n, ok := d.header()
	if !ok || major != majorMap {
		return d.fail()
	}
	// Every pair occupies at least two bytes.
	if n > d.remaining()/2 {
		return d.fail()
	}
	if d.depth++; d.depth > maxDepth {
		return d.fail()
	}
	for i := 0; i < n; i++ {
		if !fn(d) || d.failed {
			return d.fail()
		}
	}
	d.depth--
	return true
}

// Skip consumes the item at the cursor without interpreting it.
func (d *Decoder) Skip() bool {
	major, n, ok := d.header()
	if !ok {
		return false
	}
	switch major {
	case majorBytes, majorText:
		if n > d.remaining() {
			return d.fail()
		}
		d.off += n
		return true
	case majorArray, majorMap:
		items := n
		if major == majorMap {
			if n > d.remaining()/2 {
				return d.fail()
			}
			items = 2 * n
		} else if n > d.remaining() {
			return d.fail()
		}
		if d.depth++; d.depth > maxDepth {
			return d.fail()
		}
		for i := 0; i < items; i++ {
			if !d.Skip() {
				return false
			}
		}
		d.depth--
		return true
	default:
		return d.fail()
	}
}

// Raw captures the complete encoding of the item at the cursor without
// decoding it. The returned slice aliases the input buffer.
func (d *Decoder) Raw(v *[]byte) bool {
	start := d.off
	if !d.Skip() {
		return false
	}
	*v = d.buf[start:d.off:d.off]
	return true
}

// Done reports whether the entire buffer was consumed without a failure.
// Trailing bytes after the top-level item are treated as a failure so that
// callers cannot be tricked into ignoring smuggled data.
func (d *Decoder) Done() bool {
	return !d.failed && d.off == len(d.buf)
}
