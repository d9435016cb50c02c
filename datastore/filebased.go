package datastore

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	errors "github.com/pkg/errors"

	"github.com/harrier-ir/harrier/config"
	vjson "github.com/harrier-ir/harrier/json"
	"github.com/harrier-ir/harrier/messages"
)

const (
	db_suffix = ".db.json"
)

// Subjects are stored one file per URN under the configured
// location. Each file carries the subject blob and the full attribute
// version history. Locks are process local - the file based store
// supports a single server process.
type FileBaseDataStore struct {
	mu       sync.Mutex
	root     string
	locks    map[string]*sync.Mutex
	tasks_mu sync.Mutex
}

type subjectRecord struct {
	Subject    json.RawMessage              `json:"subject,omitempty"`
	Attributes map[string][]*VersionedValue `json:"attributes,omitempty"`
	Tasks      []*messages.Message          `json:"tasks,omitempty"`
}

func NewFileBaseDataStore(config_obj *config.Config) (*FileBaseDataStore, error) {
	root := config_obj.Datastore.Location
	err := os.MkdirAll(root, 0700)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to create datastore directory")
	}

	return &FileBaseDataStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (self *FileBaseDataStore) filenameFromURN(urn string) string {
	clean := strings.Trim(path.Clean("/"+urn), "/")
	return filepath.Join(self.root, filepath.FromSlash(clean)+db_suffix)
}

func (self *FileBaseDataStore) readRecord(urn string) (*subjectRecord, error) {
	data, err := os.ReadFile(self.filenameFromURN(urn))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	record := &subjectRecord{}
	err = json.Unmarshal(data, record)
	return record, err
}

func (self *FileBaseDataStore) writeRecord(
	urn string, record *subjectRecord) error {
	filename := self.filenameFromURN(urn)
	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return err
	}

	serialized, err := json.Marshal(record)
	if err != nil {
		return err
	}

	tmp := filename + ".tmp"
	err = os.WriteFile(tmp, serialized, 0600)
	if err != nil {
		return err
	}

	return os.Rename(tmp, filename)
}

// Update under the store mutex to make read/modify/write atomic
// within the process.
func (self *FileBaseDataStore) updateRecord(
	urn string, modify func(record *subjectRecord)) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	record, err := self.readRecord(urn)
	if err == ErrNotFound {
		record = &subjectRecord{}
	} else if err != nil {
		return err
	}

	modify(record)
	return self.writeRecord(urn, record)
}

func (self *FileBaseDataStore) GetSubject(
	config_obj *config.Config,
	urn string, result interface{}) error {
	self.mu.Lock()
	record, err := self.readRecord(urn)
	self.mu.Unlock()

	if err != nil {
		return err
	}

	if record.Subject == nil {
		return ErrNotFound
	}

	return vjson.Unmarshal(record.Subject, result)
}

func (self *FileBaseDataStore) SetSubject(
	config_obj *config.Config,
	urn string, message interface{}) error {
	serialized, err := vjson.Marshal(message)
	if err != nil {
		return err
	}

	return self.updateRecord(urn, func(record *subjectRecord) {
		record.Subject = serialized
	})
}

func (self *FileBaseDataStore) DeleteSubject(
	config_obj *config.Config, urn string) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	err := os.Remove(self.filenameFromURN(urn))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (self *FileBaseDataStore) ListChildren(
	config_obj *config.Config, urn string) ([]string, error) {
	clean := strings.Trim(path.Clean("/"+urn), "/")
	dirname := filepath.Join(self.root, filepath.FromSlash(clean))

	entries, err := os.ReadDir(dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	result := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, db_suffix) {
			name = strings.TrimSuffix(name, db_suffix)
		}
		result = append(result, path.Join("/", clean, name))
	}

	sort.Strings(result)
	return result, nil
}

func (self *FileBaseDataStore) SetAttribute(
	config_obj *config.Config,
	urn, attribute string, data []byte) error {
	return self.updateRecord(urn, func(record *subjectRecord) {
		if record.Attributes == nil {
			record.Attributes = make(map[string][]*VersionedValue)
		}
		record.Attributes[attribute] = append(
			record.Attributes[attribute], &VersionedValue{
				Timestamp: time.Now(),
				Data:      append([]byte{}, data...),
			})
	})
}

func (self *FileBaseDataStore) GetAttribute(
	config_obj *config.Config,
	urn, attribute string) (*VersionedValue, error) {
	self.mu.Lock()
	record, err := self.readRecord(urn)
	self.mu.Unlock()

	if err != nil {
		return nil, err
	}

	versions := record.Attributes[attribute]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (self *FileBaseDataStore) GetValuesForAttribute(
	config_obj *config.Config,
	urn, attribute string,
	start, end time.Time) ([]*VersionedValue, error) {
	self.mu.Lock()
	record, err := self.readRecord(urn)
	self.mu.Unlock()

	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	result := []*VersionedValue{}
	for _, v := range record.Attributes[attribute] {
		if !v.Timestamp.Before(start) && v.Timestamp.Before(end) {
			result = append(result, v)
		}
	}
	return result, nil
}

func (self *FileBaseDataStore) DeleteAttribute(
	config_obj *config.Config,
	urn, attribute string) error {
	return self.updateRecord(urn, func(record *subjectRecord) {
		delete(record.Attributes, attribute)
	})
}

func (self *FileBaseDataStore) ListAttributes(
	config_obj *config.Config, urn string) ([]string, error) {
	self.mu.Lock()
	record, err := self.readRecord(urn)
	self.mu.Unlock()

	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	result := []string{}
	for name := range record.Attributes {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func (self *FileBaseDataStore) getLock(urn string) *sync.Mutex {
	self.tasks_mu.Lock()
	defer self.tasks_mu.Unlock()

	lock, pres := self.locks[urn]
	if !pres {
		lock = &sync.Mutex{}
		self.locks[urn] = lock
	}
	return lock
}

func (self *FileBaseDataStore) LockSubject(
	config_obj *config.Config, urn string) func() {
	lock := self.getLock(urn)
	lock.Lock()
	return lock.Unlock
}

func (self *FileBaseDataStore) TryLockSubject(
	config_obj *config.Config,
	urn string, timeout time.Duration) (func(), bool) {
	lock := self.getLock(urn)
	deadline := time.Now().Add(timeout)
	for {
		if lock.TryLock() {
			return lock.Unlock, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

func clientTasksURN(client_id string) string {
	return path.Join("/clients", client_id, "tasks")
}

func (self *FileBaseDataStore) QueueMessageForClient(
	config_obj *config.Config,
	client_id string, message *messages.Message) error {
	return self.updateRecord(clientTasksURN(client_id),
		func(record *subjectRecord) {
			record.Tasks = append(record.Tasks, message)
		})
}

func (self *FileBaseDataStore) GetClientTasks(
	config_obj *config.Config,
	client_id string, do_not_lease bool) ([]*messages.Message, error) {
	var result []*messages.Message
	err := self.updateRecord(clientTasksURN(client_id),
		func(record *subjectRecord) {
			result = record.Tasks
			if !do_not_lease {
				record.Tasks = nil
			}
		})
	return result, err
}

func (self *FileBaseDataStore) UnQueueMessageForClient(
	config_obj *config.Config,
	client_id string, message *messages.Message) error {
	return self.updateRecord(clientTasksURN(client_id),
		func(record *subjectRecord) {
			filtered := []*messages.Message{}
			for _, item := range record.Tasks {
				if item.SessionId != message.SessionId ||
					item.RequestId != message.RequestId {
					filtered = append(filtered, item)
				}
			}
			record.Tasks = filtered
		})
}

func (self *FileBaseDataStore) Close() {}
