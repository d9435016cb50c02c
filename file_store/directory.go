package file_store

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

type DirectoryFileStore struct {
	root string
}

func NewDirectoryFileStore(root string) *DirectoryFileStore {
	return &DirectoryFileStore{root: root}
}

func (self *DirectoryFileStore) filename(urn string) string {
	clean := strings.Trim(path.Clean("/"+urn), "/")
	return filepath.Join(self.root, filepath.FromSlash(clean))
}

func (self *DirectoryFileStore) ReadFile(urn string) (FileReader, error) {
	return os.Open(self.filename(urn))
}

type directoryWriter struct {
	fd *os.File
}

func (self *directoryWriter) Write(data []byte) (int, error) {
	return self.fd.Write(data)
}

func (self *directoryWriter) Size() (int64, error) {
	st, err := self.fd.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (self *directoryWriter) Close() error {
	return self.fd.Close()
}

func (self *DirectoryFileStore) WriteFile(urn string) (FileWriter, error) {
	filename := self.filename(urn)
	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return nil, err
	}

	fd, err := os.OpenFile(filename,
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}

	return &directoryWriter{fd}, nil
}

func (self *DirectoryFileStore) StatFile(urn string) (int64, error) {
	st, err := os.Stat(self.filename(urn))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (self *DirectoryFileStore) Delete(urn string) error {
	err := os.Remove(self.filename(urn))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
