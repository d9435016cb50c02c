// The journal service receives events from the other services and
// optionally writes them to storage. Queues are named after the
// system event they carry (hunt participation, flow completion, hunt
// results). Interested services register a watcher and receive each
// pushed row.

package journal

import (
	"sync"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/result_sets"
)

type JournalService struct {
	mu sync.Mutex

	config_obj *config.Config
	logger     *logging.LogContext

	watchers map[string][]chan *ordereddict.Dict
}

func NewJournalService(config_obj *config.Config) *JournalService {
	return &JournalService{
		config_obj: config_obj,
		logger: logging.GetLogger(
			config_obj, &logging.FrontendComponent),
		watchers: make(map[string][]chan *ordereddict.Dict),
	}
}

func (self *JournalService) Watch(queue_name string) (
	output <-chan *ordereddict.Dict, cancel func()) {

	channel := make(chan *ordereddict.Dict, 1000)

	self.mu.Lock()
	self.watchers[queue_name] = append(self.watchers[queue_name], channel)
	self.mu.Unlock()

	return channel, func() {
		self.mu.Lock()
		defer self.mu.Unlock()

		active := []chan *ordereddict.Dict{}
		for _, c := range self.watchers[queue_name] {
			if c != channel {
				active = append(active, c)
			}
		}
		self.watchers[queue_name] = active
		close(channel)
	}
}

// PushRows delivers the rows to all watchers of the queue, and when a
// path manager is given, also appends them to its result set.
func (self *JournalService) PushRows(
	queue_name string,
	path_manager result_sets.PathManager,
	rows []*ordereddict.Dict) error {

	if path_manager != nil {
		fs, err := file_store.GetFileStore(self.config_obj)
		if err != nil {
			return err
		}

		writer, err := result_sets.NewResultSetWriter(fs, path_manager)
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = writer.Write(row)
			if err != nil {
				writer.Close()
				return err
			}
		}
		writer.Close()
	}

	self.mu.Lock()
	watchers := append([]chan *ordereddict.Dict{},
		self.watchers[queue_name]...)
	self.mu.Unlock()

	for _, row := range rows {
		for _, channel := range watchers {
			select {
			case channel <- row:
			default:
				// A wedged watcher may not block the
				// producers.
				self.logger.Warn(
					"Journal queue %v is full, dropping event",
					queue_name)
			}
		}
	}

	return nil
}
