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
package flows

import (
	"context"
	"sync"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/messages"
)

// The batch of responses delivered to one state handler invocation.
// All messages share the same call id and the trailing status has
// already been split off.
type Responses struct {
	// The call this batch responds to.
	RequestId uint64

	Messages []*messages.Message
	Status   *messages.Status
}

// Success is true when the call's trailing status reported no error.
func (self *Responses) Success() bool {
	return self.Status.OK()
}

func (self *Responses) Payloads() []*ordereddict.Dict {
	result := make([]*ordereddict.Dict, 0, len(self.Messages))
	for _, msg := range self.Messages {
		if msg.Payload != nil {
			result = append(result, msg.Payload)
		}
	}
	return result
}

// A StateHandler consumes one response batch. It may issue further
// calls through the runner or simply return to let the flow terminate
// once nothing is outstanding. Returning an error moves the flow to
// the ERROR state.
type StateHandler func(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject,
	responses *Responses) error

// Flow implementations are stateless singletons - all per-instance
// state lives in the FlowObject.
type Flow interface {
	Name() string

	// Called before any state exists. An error here rejects the
	// launch outright.
	ValidateArgs(args *ordereddict.Dict) error

	// The entry point, invoked exactly once at launch.
	Start(
		ctx context.Context,
		runner *FlowRunner,
		flow_obj *FlowObject) error

	// Resolve a state name recorded in a pending call.
	GetStateHandler(state string) (StateHandler, bool)
}

var (
	flow_mu  sync.Mutex
	registry = make(map[string]Flow)
)

// RegisterFlow is typically called from init() of the implementing
// package.
func RegisterFlow(impl Flow) {
	flow_mu.Lock()
	defer flow_mu.Unlock()

	registry[impl.Name()] = impl
}

func GetFlowByName(name string) (Flow, bool) {
	flow_mu.Lock()
	defer flow_mu.Unlock()

	impl, pres := registry[name]
	return impl, pres
}
