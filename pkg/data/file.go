package data

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Word array persisted as a raw file of packed little-endian words. Used by
// the harness to load keys from disk and store sorted results.
type FileWordArray struct {
	path string
}

func NewFileWordArray(path string) *FileWordArray {
	return &FileWordArray{path: path}
}

// Create (or truncate) the file at path and fill it with words
func CreateFileWordArray(path string, words []uint32) (*FileWordArray, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Couldn't create %v", path)
	}

	w := bufio.NewWriter(f)
	_, err = w.Write(Encode(words))
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to write %v", path)
	}

	return &FileWordArray{path: path}, nil
}

type fileRangeReader struct {
	file *os.File
	io.Reader
}

func (self *fileRangeReader) Close() error {
	return self.file.Close()
}

func (self *FileWordArray) GetRangeReader(start, end int) (io.ReadCloser, error) {
	start, end, err := resolveRange(start, end, self.Len())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(self.path)
	if err != nil {
		return nil, errors.Wrapf(err, "Couldn't open %v", self.path)
	}

	_, err = f.Seek((int64)(start*WordSize), io.SeekStart)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "Couldn't seek to word %v", start)
	}

	return &fileRangeReader{file: f, Reader: io.LimitReader(f, (int64)((end-start)*WordSize))}, nil
}

func (self *FileWordArray) GetReader() (io.ReadCloser, error) {
	return self.GetRangeReader(0, 0)
}

type fileWriter struct {
	file *os.File
}

func (self *fileWriter) Write(in []byte) (int, error) {
	return self.file.Write(in)
}

func (self *fileWriter) Close() error {
	return self.file.Close()
}

func (self *FileWordArray) GetWriter(start int) (io.WriteCloser, error) {
	if start < 0 || start > self.Len() {
		return nil, errors.Wrapf(ErrOutOfRange, "writer at %v of %v words", start, self.Len())
	}

	f, err := os.OpenFile(self.path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "Couldn't open %v for writing", self.path)
	}

	_, err = f.Seek((int64)(start*WordSize), io.SeekStart)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "Couldn't seek to word %v", start)
	}
	return &fileWriter{file: f}, nil
}

// Number of whole words in the file, a missing file is empty
func (self *FileWordArray) Len() int {
	stat, err := os.Stat(self.path)
	if err != nil {
		return 0
	}
	return (int)(stat.Size() / WordSize)
}

func (self *FileWordArray) Path() string {
	return self.path
}
