package file_store

import (
	"bytes"
	"io"
	"os"
	"sync"
)

type MemoryFileStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{
		files: make(map[string][]byte),
	}
}

type memoryReader struct {
	*bytes.Reader
}

func (self *memoryReader) Close() error { return nil }

func (self *MemoryFileStore) ReadFile(path string) (FileReader, error) {
	self.mu.Lock()
	data, pres := self.files[path]
	self.mu.Unlock()

	if !pres {
		return nil, os.ErrNotExist
	}

	return &memoryReader{bytes.NewReader(data)}, nil
}

type memoryWriter struct {
	fs   *MemoryFileStore
	path string
}

func (self *memoryWriter) Write(data []byte) (int, error) {
	self.fs.mu.Lock()
	defer self.fs.mu.Unlock()

	self.fs.files[self.path] = append(
		self.fs.files[self.path], data...)
	return len(data), nil
}

func (self *memoryWriter) Size() (int64, error) {
	self.fs.mu.Lock()
	defer self.fs.mu.Unlock()

	return int64(len(self.fs.files[self.path])), nil
}

func (self *memoryWriter) Close() error { return nil }

func (self *MemoryFileStore) WriteFile(path string) (FileWriter, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	_, pres := self.files[path]
	if !pres {
		self.files[path] = nil
	}
	return &memoryWriter{fs: self, path: path}, nil
}

func (self *MemoryFileStore) StatFile(path string) (int64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	data, pres := self.files[path]
	if !pres {
		return 0, os.ErrNotExist
	}
	return int64(len(data)), nil
}

func (self *MemoryFileStore) Delete(path string) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	delete(self.files, path)
	return nil
}

// Get is a test convenience.
func (self *MemoryFileStore) Get(path string) ([]byte, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	data, pres := self.files[path]
	return data, pres
}

var _ io.Closer = &memoryReader{}
