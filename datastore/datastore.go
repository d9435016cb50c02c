/*
   Harrier - Fleet Forensics
   Copyright (C) 2026 Harrier Project.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
// An interface into persistent data storage. Subjects are addressed
// by hierarchical path strings (URNs). Attributes are versioned: each
// write records a timestamp and history may be queried over a time
// range.
package datastore

import (
	"os"
	"sync"
	"time"

	errors "github.com/pkg/errors"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/messages"
)

var (
	mu sync.Mutex

	memory_imp *MemoryDataStore

	ErrNotFound = os.ErrNotExist
)

type VersionedValue struct {
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

type DataStore interface {
	// Reads a stored object from the datastore. If there is no
	// stored object at this URN the function returns an
	// os.ErrNotExist error.
	GetSubject(
		config_obj *config.Config,
		urn string, result interface{}) error

	SetSubject(
		config_obj *config.Config,
		urn string, message interface{}) error

	DeleteSubject(
		config_obj *config.Config, urn string) error

	// Lists all the direct children of a URN.
	ListChildren(
		config_obj *config.Config, urn string) ([]string, error)

	// Versioned attribute API. SetAttribute appends a new version,
	// GetAttribute returns the latest one.
	SetAttribute(
		config_obj *config.Config,
		urn, attribute string, data []byte) error

	GetAttribute(
		config_obj *config.Config,
		urn, attribute string) (*VersionedValue, error)

	// Time ranged history query over all recorded versions.
	GetValuesForAttribute(
		config_obj *config.Config,
		urn, attribute string,
		start, end time.Time) ([]*VersionedValue, error)

	DeleteAttribute(
		config_obj *config.Config,
		urn, attribute string) error

	// List all attributes set on a subject.
	ListAttributes(
		config_obj *config.Config, urn string) ([]string, error)

	// Atomic locked open: returns an unlock function while holding
	// the exclusive lock on the URN. TryLockSubject fails fast when
	// the lock is contended so callers can requeue instead of
	// blocking.
	LockSubject(config_obj *config.Config, urn string) func()
	TryLockSubject(
		config_obj *config.Config,
		urn string, timeout time.Duration) (func(), bool)

	// The client task queue: outbound messages leased to agents.
	QueueMessageForClient(
		config_obj *config.Config,
		client_id string, message *messages.Message) error

	GetClientTasks(
		config_obj *config.Config,
		client_id string, do_not_lease bool) ([]*messages.Message, error)

	UnQueueMessageForClient(
		config_obj *config.Config,
		client_id string, message *messages.Message) error

	// Called to close all db handles etc. Not thread safe.
	Close()
}

func GetDB(config_obj *config.Config) (DataStore, error) {
	if config_obj.Datastore == nil {
		return nil, errors.New("no datastore configured")
	}

	switch config_obj.Datastore.Implementation {
	case "Memory":
		mu.Lock()
		defer mu.Unlock()

		if memory_imp == nil {
			memory_imp = NewMemoryDataStore()
		}
		return memory_imp, nil

	case "FileBase":
		if config_obj.Datastore.Location == "" {
			return nil, errors.New(
				"No Datastore.location is set in the config")
		}
		return NewFileBaseDataStore(config_obj)

	default:
		return nil, errors.Errorf("no datastore implementation %v",
			config_obj.Datastore.Implementation)
	}
}

// Tests get a fresh store so state does not leak between them.
func SetTestDatastore() {
	mu.Lock()
	defer mu.Unlock()

	memory_imp = NewMemoryDataStore()
}
