// Manage reading and writing result sets.
//
// A result set is an append-only ordered sequence of rows stored as
// JSONL in the file store. Appends are atomic per row so many
// concurrent writers may share one collection - entries are never
// rewritten or reordered once appended. Readers address the set by
// raw byte offset which makes incremental, resumable consumption
// cheap (the output plugin pipeline persists the offset it has
// processed up to).
package result_sets

import (
	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/file_store"
)

// Anything that can name a storage location. Both FlowPathManager
// and HuntPathManager satisfy this.
type PathManager interface {
	Path() string
}

type ResultSetWriter interface {
	Write(row *ordereddict.Dict) error

	// Append an already serialized JSONL blob. The blob must be
	// newline terminated.
	WriteJSONL(serialized []byte) error

	Close() error
}

type ResultSetReader interface {
	// Position the reader on a raw byte offset previously returned
	// by CurrentOffset().
	SeekToOffset(offset int64) error

	// Returns io.EOF when no further rows are available.
	Next() (*ordereddict.Dict, error)

	// The byte offset just past the last row returned by Next().
	CurrentOffset() int64

	Close() error
}

func NewResultSetWriter(
	fs file_store.FileStore,
	path_manager PathManager) (ResultSetWriter, error) {
	return newWriter(fs, path_manager.Path())
}

func NewResultSetReader(
	fs file_store.FileStore,
	path_manager PathManager) (ResultSetReader, error) {
	return newReader(fs, path_manager.Path())
}
