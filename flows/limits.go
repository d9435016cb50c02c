package flows

import (
	"github.com/dustin/go-humanize"

	"github.com/harrier-ir/harrier/messages"
)

// chargeUsage accounts the resources reported by one status message
// against the flow. Child flows report their aggregate usage in their
// final status so the totals roll up to the top level flow.
func (self *FlowRunner) chargeUsage(
	flow_obj *FlowObject, status *messages.Status) {

	if status.CpuTimeUsed != nil {
		flow_obj.Context.Usage.UserCpuSeconds += status.CpuTimeUsed.UserCpuTime
		flow_obj.Context.Usage.SystemCpuSeconds += status.CpuTimeUsed.SystemCpuTime
	}
	flow_obj.Context.Usage.NetworkBytesSent += status.NetworkBytesSent
	flow_obj.dirty = true
}

// ChargeUsage lets external components (e.g. upload handlers) bill
// traffic to a flow outside of the normal status path.
func (self *FlowRunner) ChargeUsage(
	flow_obj *FlowObject, network_bytes uint64) {
	flow_obj.Context.Usage.NetworkBytesSent += network_bytes
	flow_obj.dirty = true
}

// checkLimits enforces the flow's resource budgets. A zero limit
// means unlimited. The quota errors carry fixed strings because
// operators (and the hunt error log) match on them.
func (self *FlowRunner) checkLimits(flow_obj *FlowObject) error {
	usage := &flow_obj.Context.Usage
	runner_args := flow_obj.Runner

	if runner_args.CpuLimit > 0 && usage.TotalCpu() > runner_args.CpuLimit {
		self.logger.Warn(
			"Flow %v used %.1f CPU seconds of a %.1f budget",
			flow_obj.SessionId(), usage.TotalCpu(),
			runner_args.CpuLimit)
		return cpuLimitError()
	}

	if runner_args.NetworkBytesLimit > 0 &&
		usage.NetworkBytesSent > runner_args.NetworkBytesLimit {
		self.logger.Warn(
			"Flow %v sent %v of a %v budget",
			flow_obj.SessionId(),
			humanize.Bytes(usage.NetworkBytesSent),
			humanize.Bytes(runner_args.NetworkBytesLimit))
		return networkLimitError()
	}

	return nil
}
