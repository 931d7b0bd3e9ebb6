package data

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// A read-closer over a word range of a MemWordArray, close is a nop
type MemWordReadCloser struct {
	a *MemWordArray // Reference to parent array

	// Byte positions, the reader returns bytes [pos, limit)
	pos   int
	limit int
}

func (self *MemWordReadCloser) Read(dst []byte) (n int, err error) {
	if self.pos == self.limit {
		return 0, io.EOF
	}

	for n < len(dst) && self.pos < self.limit {
		var word [WordSize]byte
		binary.LittleEndian.PutUint32(word[:], self.a.words[self.pos/WordSize])

		inWord := self.pos % WordSize
		copied := copy(dst[n:], word[inWord:])
		n += copied
		self.pos += copied
	}

	if self.pos == self.limit {
		err = io.EOF
	}
	return n, err
}

func (self *MemWordReadCloser) Close() error {
	return nil
}

// A write-closer into a MemWordArray. Partial words are held back until the
// rest of the word arrives; Close fails if a partial word is pending.
type MemWordWriteCloser struct {
	a       *MemWordArray
	next    int // index of the next word to write
	pending []byte
}

func (self *MemWordWriteCloser) Write(in []byte) (n int, err error) {
	buf := in
	if len(self.pending) != 0 {
		buf = append(self.pending, in...)
		self.pending = nil
	}

	nWord := len(buf) / WordSize
	if self.next+nWord > len(self.a.words) {
		return 0, errors.Wrapf(ErrOutOfRange, "write of %v words at %v, array holds %v",
			nWord, self.next, len(self.a.words))
	}

	for i := 0; i < nWord; i++ {
		self.a.words[self.next+i] = binary.LittleEndian.Uint32(buf[i*WordSize:])
	}
	self.next += nWord

	if rem := len(buf) % WordSize; rem != 0 {
		self.pending = append([]byte{}, buf[len(buf)-rem:]...)
	}
	return len(in), nil
}

func (self *MemWordWriteCloser) Close() error {
	if len(self.pending) != 0 {
		return errors.Wrapf(ErrUnaligned, "%v trailing bytes", len(self.pending))
	}
	return nil
}

// In-memory word array. The backing slice is shared with callers of Words(),
// which lets compute kernels operate on it in place.
type MemWordArray struct {
	words []uint32
}

func NewMemWordArray(nword int) *MemWordArray {
	return &MemWordArray{words: make([]uint32, nword)}
}

// Wrap an existing slice without copying it
func WrapWords(words []uint32) *MemWordArray {
	return &MemWordArray{words: words}
}

func (self *MemWordArray) GetRangeReader(start, end int) (io.ReadCloser, error) {
	start, end, err := resolveRange(start, end, len(self.words))
	if err != nil {
		return nil, err
	}
	return &MemWordReadCloser{a: self, pos: start * WordSize, limit: end * WordSize}, nil
}

func (self *MemWordArray) GetReader() (io.ReadCloser, error) {
	return self.GetRangeReader(0, 0)
}

func (self *MemWordArray) GetWriter(start int) (io.WriteCloser, error) {
	if start < 0 || start > len(self.words) {
		return nil, errors.Wrapf(ErrOutOfRange, "writer at %v of %v words", start, len(self.words))
	}
	return &MemWordWriteCloser{a: self, next: start}, nil
}

func (self *MemWordArray) Len() int {
	return len(self.words)
}

// Direct access to the backing storage
func (self *MemWordArray) Words() []uint32 {
	return self.words
}
