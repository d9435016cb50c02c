// The file store holds bulk append-only data - result sets, exports
// and journal queues. It is addressed by the same hierarchical paths
// as the datastore but stores opaque byte streams instead of
// versioned objects.
package file_store

import (
	"io"
	"sync"

	errors "github.com/pkg/errors"

	"github.com/harrier-ir/harrier/config"
)

type FileReader interface {
	io.Reader
	io.Seeker
	io.Closer
}

type FileWriter interface {
	io.Writer
	Size() (int64, error)
	Close() error
}

type FileStore interface {
	ReadFile(path string) (FileReader, error)

	// Writers always append to the end of the file.
	WriteFile(path string) (FileWriter, error)

	StatFile(path string) (int64, error)
	Delete(path string) error
}

var (
	fs_mu     sync.Mutex
	memory_fs *MemoryFileStore
)

func GetFileStore(config_obj *config.Config) (FileStore, error) {
	if config_obj.Datastore == nil {
		return nil, errors.New("no datastore configured")
	}

	switch config_obj.Datastore.Implementation {
	case "Memory":
		fs_mu.Lock()
		defer fs_mu.Unlock()

		if memory_fs == nil {
			memory_fs = NewMemoryFileStore()
		}
		return memory_fs, nil

	case "FileBase":
		return NewDirectoryFileStore(
			config_obj.Datastore.FilestoreDirectory), nil

	default:
		return nil, errors.Errorf("no filestore implementation %v",
			config_obj.Datastore.Implementation)
	}
}

func SetTestFileStore() {
	fs_mu.Lock()
	defer fs_mu.Unlock()

	memory_fs = NewMemoryFileStore()
}
