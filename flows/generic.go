package flows

import (
	"context"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
)

// Collector is the workhorse flow: run one client action and collect
// everything it replies into the flow's result set. Hunts schedule it
// on each participating client.
type Collector struct{}

func (self *Collector) Name() string {
	return "Collector"
}

func (self *Collector) ValidateArgs(args *ordereddict.Dict) error {
	if args == nil {
		return invalidArgs("args are required")
	}

	action, pres := args.GetString("action")
	if !pres || action == "" {
		return invalidArgs("an action to collect is required")
	}

	return nil
}

func (self *Collector) Start(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject) error {

	action, _ := flow_obj.Runner.Args.GetString("action")

	var action_args *ordereddict.Dict
	action_args_any, pres := flow_obj.Runner.Args.Get("action_args")
	if pres {
		action_args, _ = action_args_any.(*ordereddict.Dict)
	}

	return runner.CallClient(
		flow_obj, action, action_args, "StoreResults")
}

func (self *Collector) StoreResults(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject,
	responses *Responses) error {

	if !responses.Success() {
		return errors.Errorf("client action failed: %v",
			responses.Status.ErrorMessage)
	}

	for _, payload := range responses.Payloads() {
		err := flow_obj.AddResult(runner.config_obj, payload)
		if err != nil {
			return err
		}
	}

	return nil
}

func (self *Collector) GetStateHandler(state string) (StateHandler, bool) {
	switch state {
	case "StoreResults":
		return self.StoreResults, true
	}
	return nil, false
}

func init() {
	RegisterFlow(&Collector{})
}
