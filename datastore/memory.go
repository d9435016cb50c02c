package datastore

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/json"
	"github.com/harrier-ir/harrier/messages"
)

// The memory datastore is used in tests and small deployments. All
// access is serialized on a single mutex - this is not the fast path,
// correctness matters more here.
type MemoryDataStore struct {
	mu sync.Mutex

	subjects   map[string][]byte
	attributes map[string]map[string][]*VersionedValue
	tasks      map[string][]*messages.Message

	// Per URN exclusive locks handed out by LockSubject.
	locks map[string]*sync.Mutex
}

func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		subjects:   make(map[string][]byte),
		attributes: make(map[string]map[string][]*VersionedValue),
		tasks:      make(map[string][]*messages.Message),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (self *MemoryDataStore) GetSubject(
	config_obj *config.Config,
	urn string, result interface{}) error {
	self.mu.Lock()
	serialized, pres := self.subjects[urn]
	self.mu.Unlock()

	if !pres {
		return ErrNotFound
	}

	return json.Unmarshal(serialized, result)
}

func (self *MemoryDataStore) SetSubject(
	config_obj *config.Config,
	urn string, message interface{}) error {
	serialized, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	self.subjects[urn] = serialized
	return nil
}

func (self *MemoryDataStore) DeleteSubject(
	config_obj *config.Config, urn string) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	delete(self.subjects, urn)
	delete(self.attributes, urn)
	return nil
}

func (self *MemoryDataStore) ListChildren(
	config_obj *config.Config, urn string) ([]string, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	prefix := strings.TrimSuffix(urn, "/") + "/"
	seen := make(map[string]bool)
	result := []string{}
	for key := range self.subjects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		// Only direct children.
		child := strings.SplitN(
			strings.TrimPrefix(key, prefix), "/", 2)[0]
		full := path.Join(prefix, child)
		if !seen[full] {
			seen[full] = true
			result = append(result, full)
		}
	}

	sort.Strings(result)
	return result, nil
}

func (self *MemoryDataStore) SetAttribute(
	config_obj *config.Config,
	urn, attribute string, data []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	attrs, pres := self.attributes[urn]
	if !pres {
		attrs = make(map[string][]*VersionedValue)
		self.attributes[urn] = attrs
	}

	attrs[attribute] = append(attrs[attribute], &VersionedValue{
		Timestamp: time.Now(),
		Data:      append([]byte{}, data...),
	})
	return nil
}

func (self *MemoryDataStore) GetAttribute(
	config_obj *config.Config,
	urn, attribute string) (*VersionedValue, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	versions := self.attributes[urn][attribute]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}

	return versions[len(versions)-1], nil
}

func (self *MemoryDataStore) GetValuesForAttribute(
	config_obj *config.Config,
	urn, attribute string,
	start, end time.Time) ([]*VersionedValue, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*VersionedValue{}
	for _, v := range self.attributes[urn][attribute] {
		if !v.Timestamp.Before(start) && v.Timestamp.Before(end) {
			result = append(result, v)
		}
	}
	return result, nil
}

func (self *MemoryDataStore) DeleteAttribute(
	config_obj *config.Config,
	urn, attribute string) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	attrs, pres := self.attributes[urn]
	if pres {
		delete(attrs, attribute)
	}
	return nil
}

func (self *MemoryDataStore) ListAttributes(
	config_obj *config.Config, urn string) ([]string, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []string{}
	for name := range self.attributes[urn] {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func (self *MemoryDataStore) getLock(urn string) *sync.Mutex {
	self.mu.Lock()
	defer self.mu.Unlock()

	lock, pres := self.locks[urn]
	if !pres {
		lock = &sync.Mutex{}
		self.locks[urn] = lock
	}
	return lock
}

func (self *MemoryDataStore) LockSubject(
	config_obj *config.Config, urn string) func() {
	lock := self.getLock(urn)
	lock.Lock()
	return lock.Unlock
}

func (self *MemoryDataStore) TryLockSubject(
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

func (self *MemoryDataStore) QueueMessageForClient(
	config_obj *config.Config,
	client_id string, message *messages.Message) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.tasks[client_id] = append(self.tasks[client_id], message)
	return nil
}

func (self *MemoryDataStore) GetClientTasks(
	config_obj *config.Config,
	client_id string, do_not_lease bool) ([]*messages.Message, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := self.tasks[client_id]
	if !do_not_lease {
		self.tasks[client_id] = nil
	}
	return result, nil
}

func (self *MemoryDataStore) UnQueueMessageForClient(
	config_obj *config.Config,
	client_id string, message *messages.Message) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	filtered := []*messages.Message{}
	for _, item := range self.tasks[client_id] {
		if item.SessionId != message.SessionId ||
			item.RequestId != message.RequestId {
			filtered = append(filtered, item)
		}
	}
	self.tasks[client_id] = filtered
	return nil
}

func (self *MemoryDataStore) Close() {}
