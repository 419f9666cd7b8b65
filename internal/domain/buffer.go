package domain

// compactThreshold is the consumed prefix size above which Buffer reclaims
// space on the next append.
const compactThreshold = 4096

// Buffer is a FIFO byte queue: bytes are appended at the tail and consumed
// from the head.
type Buffer struct {
	data []byte
	off  int
}

// Append copies p to the tail.
func (b *Buffer) Append(p []byte) {
	if b.off >= compactThreshold && b.off*2 >= len(b.data) {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
		b.off = 0
	}
	b.data = append(b.data, p...)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.Append([]byte{c})
}

// Bytes returns the unconsumed bytes. The slice is valid until the next
// Append or Consume.
func (b *Buffer) Bytes() []byte {
	return b.data[b.off:]
}

func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Consume discards the first n bytes. It panics if n exceeds Len.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("domain: consume beyond buffered length")
	}
	b.off += n
	if b.off == len(b.data) {
		b.data = b.data[:0]
		b.off = 0
	}
}

// MoveTo appends the first n bytes to dst and consumes them from b.
func (b *Buffer) MoveTo(dst *Buffer, n int) {
	dst.Append(b.Bytes()[:n])
	b.Consume(n)
}
