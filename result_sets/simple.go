package result_sets

import (
	"bufio"
	"io"
	"os"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/json"
)

type resultSetWriter struct {
	fd file_store.FileWriter
}

func newWriter(fs file_store.FileStore, path string) (*resultSetWriter, error) {
	fd, err := fs.WriteFile(path + ".json")
	if err != nil {
		return nil, err
	}
	return &resultSetWriter{fd: fd}, nil
}

func (self *resultSetWriter) Write(row *ordereddict.Dict) error {
	serialized, err := json.Marshal(row)
	if err != nil {
		return err
	}

	// A single Write() call so the append is atomic with respect
	// to other writers on the same collection.
	_, err = self.fd.Write(append(serialized, '\n'))
	return err
}

func (self *resultSetWriter) WriteJSONL(serialized []byte) error {
	_, err := self.fd.Write(serialized)
	return err
}

func (self *resultSetWriter) Close() error {
	return self.fd.Close()
}

type resultSetReader struct {
	fd     file_store.FileReader
	reader *bufio.Reader
	offset int64
}

func newReader(fs file_store.FileStore, path string) (*resultSetReader, error) {
	fd, err := fs.ReadFile(path + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			// An empty result set reads as EOF immediately.
			return &resultSetReader{}, nil
		}
		return nil, err
	}

	return &resultSetReader{
		fd:     fd,
		reader: bufio.NewReader(fd),
	}, nil
}

func (self *resultSetReader) SeekToOffset(offset int64) error {
	if self.fd == nil {
		return nil
	}

	_, err := self.fd.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}

	self.offset = offset
	self.reader = bufio.NewReader(self.fd)
	return nil
}

func (self *resultSetReader) Next() (*ordereddict.Dict, error) {
	if self.reader == nil {
		return nil, io.EOF
	}

	line, err := self.reader.ReadBytes('\n')
	if err != nil {
		// A partial trailing line means a row append is still in
		// flight - leave it for the next pass.
		return nil, io.EOF
	}

	self.offset += int64(len(line))

	row := ordereddict.NewDict()
	err = row.UnmarshalJSON(line)
	if err != nil {
		return nil, err
	}

	return row, nil
}

func (self *resultSetReader) CurrentOffset() int64 {
	return self.offset
}

func (self *resultSetReader) Close() error {
	if self.fd == nil {
		return nil
	}
	return self.fd.Close()
}

// ReadAllRows is a convenience for tests and the CLI.
func ReadAllRows(
	fs file_store.FileStore,
	path_manager PathManager) ([]*ordereddict.Dict, error) {
	reader, err := NewResultSetReader(fs, path_manager)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	result := []*ordereddict.Dict{}
	for {
		row, err := reader.Next()
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
}
