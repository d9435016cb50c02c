package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/Velocidex/ordereddict"
	"github.com/olekukonko/tablewriter"
	errors "github.com/pkg/errors"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/json"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
)

var (
	flow_command = app.Command("flow", "Manage flows.")

	flow_start        = flow_command.Command("start", "Launch a flow on a client.")
	flow_start_client = flow_start.Flag("client", "Client id.").Required().String()
	flow_start_name   = flow_start.Arg("flow", "Flow name.").Required().String()
	flow_start_args   = flow_start.Flag(
		"args", "Flow arguments as a JSON object.").String()
	flow_start_cpu = flow_start.Flag(
		"cpu_limit", "CPU seconds budget.").Float64()
	flow_start_network = flow_start.Flag(
		"network_limit", "Network bytes budget.").Uint64()

	flow_list        = flow_command.Command("list", "List a client's flows.")
	flow_list_client = flow_list.Flag("client", "Client id.").Required().String()

	flow_show        = flow_command.Command("show", "Show one flow.")
	flow_show_client = flow_show.Flag("client", "Client id.").Required().String()
	flow_show_id     = flow_show.Arg("flow_id", "Flow id.").Required().String()

	flow_results        = flow_command.Command("results", "Dump a flow's results.")
	flow_results_client = flow_results.Flag("client", "Client id.").Required().String()
	flow_results_id     = flow_results.Arg("flow_id", "Flow id.").Required().String()

	flow_terminate        = flow_command.Command("terminate", "Force-terminate a flow.")
	flow_terminate_client = flow_terminate.Flag("client", "Client id.").Required().String()
	flow_terminate_id     = flow_terminate.Arg("flow_id", "Flow id.").Required().String()
	flow_terminate_reason = flow_terminate.Flag(
		"reason", "Reason recorded on the flow.").Default("Terminated by operator.").String()
	flow_terminate_force = flow_terminate.Flag(
		"force", "Do not complain if the flow already finished.").Bool()
)

func doFlowStart() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	services, err := startServices(ctx, wg, config_obj)
	if err != nil {
		return err
	}

	var args *ordereddict.Dict
	if *flow_start_args != "" {
		args = ordereddict.NewDict()
		err := args.UnmarshalJSON([]byte(*flow_start_args))
		if err != nil {
			return errors.Wrap(err, "parsing --args")
		}
	}

	session_id, err := services.Server.StartFlowForClient(
		ctx, &flows.FlowRunnerArgs{
			FlowName:          *flow_start_name,
			ClientId:          *flow_start_client,
			Args:              args,
			CpuLimit:          *flow_start_cpu,
			NetworkBytesLimit: *flow_start_network,
		})
	if err != nil {
		return err
	}

	fmt.Println(session_id)
	return nil
}

func doFlowList() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := getDatastore(config_obj)
	if err != nil {
		return err
	}

	flow_urns, err := db.ListChildren(config_obj,
		path.Join("/clients", *flow_list_client, "flows"))
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"FlowId", "Flow", "State", "Created", "Rows"})

	for _, urn := range flow_urns {
		session_id := path.Base(urn)
		if !strings.HasPrefix(session_id, "F.") {
			continue
		}

		flow_obj, err := flows.LoadFlowObject(
			config_obj, db, *flow_list_client, session_id)
		if err != nil {
			continue
		}

		table.Append([]string{
			session_id,
			flow_obj.Runner.FlowName,
			flow_obj.Context.State.String(),
			flow_obj.Context.CreateTime.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%v", flow_obj.Context.TotalCollectedRows),
		})
	}

	table.Render()
	return nil
}

func doFlowShow() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := getDatastore(config_obj)
	if err != nil {
		return err
	}

	flow_obj, err := flows.LoadFlowObject(
		config_obj, db, *flow_show_client, *flow_show_id)
	if err != nil {
		return err
	}

	serialized, err := json.MarshalIndent(flow_obj)
	if err != nil {
		return err
	}

	fmt.Println(string(serialized))
	return nil
}

func doFlowResults() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	fs, err := file_store.GetFileStore(config_obj)
	if err != nil {
		return err
	}

	rows, err := result_sets.ReadAllRows(fs, paths.NewFlowPathManager(
		*flow_results_client, *flow_results_id).Results())
	if err != nil {
		return err
	}

	for _, row := range rows {
		fmt.Println(json.MustMarshalString(row))
	}
	return nil
}

func doFlowTerminate() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	services, err := startServices(ctx, wg, config_obj)
	if err != nil {
		return err
	}

	return services.Server.Runner().TerminateFlow(
		ctx, *flow_terminate_client, *flow_terminate_id,
		*flow_terminate_reason, *flow_terminate_force)
}

func init() {
	command_handlers = append(command_handlers,
		func(command string) bool {
			switch command {
			case flow_start.FullCommand():
				kingpin.FatalIfError(doFlowStart(), "flow start")
			case flow_list.FullCommand():
				kingpin.FatalIfError(doFlowList(), "flow list")
			case flow_show.FullCommand():
				kingpin.FatalIfError(doFlowShow(), "flow show")
			case flow_results.FullCommand():
				kingpin.FatalIfError(doFlowResults(), "flow results")
			case flow_terminate.FullCommand():
				kingpin.FatalIfError(doFlowTerminate(), "flow terminate")
			default:
				return false
			}
			return true
		})
}
