package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	errors "github.com/pkg/errors"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/json"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
	"github.com/harrier-ir/harrier/services/foreman"
	"github.com/harrier-ir/harrier/services/hunt_dispatcher"
	"github.com/harrier-ir/harrier/services/hunt_output"
)

var (
	hunt_command = app.Command("hunt", "Manage hunts.")

	hunt_create      = hunt_command.Command("create", "Create a new (paused) hunt.")
	hunt_create_flow = hunt_create.Arg("flow", "Flow to schedule.").Required().String()
	hunt_create_args = hunt_create.Flag(
		"args", "Flow arguments as a JSON object.").String()
	hunt_create_description = hunt_create.Flag(
		"description", "Operator visible description.").String()
	hunt_create_limit = hunt_create.Flag(
		"client_limit", "Maximum number of participating clients.").Uint64()
	hunt_create_rate = hunt_create.Flag(
		"client_rate", "Clients scheduled per minute.").Float64()
	hunt_create_expiry_hours = hunt_create.Flag(
		"expiry_hours", "Hunt lifetime in hours.").Int()
	hunt_create_os = hunt_create.Flag(
		"os_regex", "Only target clients whose OS matches.").String()
	hunt_create_labels = hunt_create.Flag(
		"label_regex", "Only target clients with a matching label.").String()
	hunt_create_plugins = hunt_create.Flag(
		"output_plugin",
		"Output plugin, as name or name=<json args>. Repeatable.").Strings()
	hunt_create_run = hunt_create.Flag(
		"run", "Run the hunt immediately after creating it.").Bool()

	hunt_run    = hunt_command.Command("run", "Release a paused hunt.")
	hunt_run_id = hunt_run.Arg("hunt_id", "Hunt id.").Required().String()

	hunt_pause    = hunt_command.Command("pause", "Pause a running hunt.")
	hunt_pause_id = hunt_pause.Arg("hunt_id", "Hunt id.").Required().String()

	hunt_stop    = hunt_command.Command("stop", "Stop a hunt permanently.")
	hunt_stop_id = hunt_stop.Arg("hunt_id", "Hunt id.").Required().String()

	hunt_modify       = hunt_command.Command("modify", "Modify a paused hunt.")
	hunt_modify_id    = hunt_modify.Arg("hunt_id", "Hunt id.").Required().String()
	hunt_modify_limit = hunt_modify.Flag(
		"client_limit", "New client limit.").Uint64()
	hunt_modify_expiry_hours = hunt_modify.Flag(
		"expiry_hours", "New lifetime in hours from now.").Int()

	hunt_list = hunt_command.Command("list", "List all hunts.")

	hunt_results    = hunt_command.Command("results", "Dump a hunt's results.")
	hunt_results_id = hunt_results.Arg("hunt_id", "Hunt id.").Required().String()
)

func withDispatcher(cb func(
	ctx context.Context, services *Services) error) error {

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

	return cb(ctx, services)
}

func doHuntCreate() error {
	return withDispatcher(func(
		ctx context.Context, services *Services) error {

		var args *ordereddict.Dict
		if *hunt_create_args != "" {
			args = ordereddict.NewDict()
			err := args.UnmarshalJSON([]byte(*hunt_create_args))
			if err != nil {
				return errors.Wrap(err, "parsing --args")
			}
		}

		hunt := &hunt_dispatcher.Hunt{
			Description: *hunt_create_description,
			Creator:     principal(),
			FlowName:    *hunt_create_flow,
			FlowArgs:    args,
			ClientLimit: *hunt_create_limit,
			ClientRate:  *hunt_create_rate,
		}

		if *hunt_create_expiry_hours > 0 {
			hunt.Expires = time.Now().Add(
				time.Duration(*hunt_create_expiry_hours) * time.Hour)
		}

		for _, spec := range *hunt_create_plugins {
			plugin_spec, err := parseOutputPluginSpec(spec)
			if err != nil {
				return err
			}
			hunt.OutputPlugins = append(hunt.OutputPlugins, plugin_spec)
		}

		if *hunt_create_os != "" || *hunt_create_labels != "" {
			hunt.Condition = &foreman.ForemanRule{
				OsRegex:    *hunt_create_os,
				LabelRegex: *hunt_create_labels,
			}
		}

		hunt_id, err := services.Dispatcher.CreateHunt(hunt)
		if err != nil {
			return err
		}

		if *hunt_create_run {
			err = services.Dispatcher.RunHunt(hunt_id, principal())
			if err != nil {
				return err
			}
		}

		fmt.Println(hunt_id)
		return nil
	})
}

func doHuntModify() error {
	return withDispatcher(func(
		ctx context.Context, services *Services) error {

		return services.Dispatcher.ModifyHunt(*hunt_modify_id,
			func(hunt *hunt_dispatcher.Hunt) error {
				if *hunt_modify_limit > 0 {
					hunt.ClientLimit = *hunt_modify_limit
				}
				if *hunt_modify_expiry_hours > 0 {
					hunt.Expires = time.Now().Add(time.Duration(
						*hunt_modify_expiry_hours) * time.Hour)
				}
				return nil
			})
	})
}

func doHuntList() error {
	return withDispatcher(func(
		ctx context.Context, services *Services) error {

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{
			"HuntId", "Flow", "State", "Scheduled", "Finished",
			"Results", "Expires"})

		for _, hunt := range services.Dispatcher.ListHunts() {
			table.Append([]string{
				hunt.HuntId,
				hunt.FlowName,
				hunt.State,
				fmt.Sprintf("%v", hunt.Stats.TotalClientsScheduled),
				fmt.Sprintf("%v", hunt.Stats.TotalClientsFinished),
				fmt.Sprintf("%v", hunt.Stats.TotalResults),
				humanize.Time(hunt.Expires),
			})
		}

		table.Render()
		return nil
	})
}

func doHuntResults() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	fs, err := file_store.GetFileStore(config_obj)
	if err != nil {
		return err
	}

	rows, err := result_sets.ReadAllRows(fs,
		paths.NewHuntPathManager(*hunt_results_id).Results())
	if err != nil {
		return err
	}

	for _, row := range rows {
		fmt.Println(json.MustMarshalString(row))
	}
	return nil
}

func parseOutputPluginSpec(spec string) (
	*hunt_dispatcher.OutputPluginSpec, error) {

	name := spec
	args := ordereddict.NewDict()

	if idx := strings.Index(spec, "="); idx >= 0 {
		name = spec[:idx]
		err := args.UnmarshalJSON([]byte(spec[idx+1:]))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing args for plugin %v", name)
		}
	}

	_, pres := hunt_output.GetOutputPlugin(name)
	if !pres {
		return nil, errors.Errorf("unknown output plugin %v", name)
	}

	return &hunt_dispatcher.OutputPluginSpec{
		Name: name,
		Args: args,
	}, nil
}

func principal() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return user
}

func init() {
	command_handlers = append(command_handlers,
		func(command string) bool {
			switch command {
			case hunt_create.FullCommand():
				kingpin.FatalIfError(doHuntCreate(), "hunt create")
			case hunt_run.FullCommand():
				kingpin.FatalIfError(withDispatcher(func(
					ctx context.Context, services *Services) error {
					return services.Dispatcher.RunHunt(
						*hunt_run_id, principal())
				}), "hunt run")
			case hunt_pause.FullCommand():
				kingpin.FatalIfError(withDispatcher(func(
					ctx context.Context, services *Services) error {
					return services.Dispatcher.PauseHunt(
						*hunt_pause_id, principal())
				}), "hunt pause")
			case hunt_stop.FullCommand():
				kingpin.FatalIfError(withDispatcher(func(
					ctx context.Context, services *Services) error {
					return services.Dispatcher.StopHunt(
						*hunt_stop_id, principal())
				}), "hunt stop")
			case hunt_modify.FullCommand():
				kingpin.FatalIfError(doHuntModify(), "hunt modify")
			case hunt_list.FullCommand():
				kingpin.FatalIfError(doHuntList(), "hunt list")
			case hunt_results.FullCommand():
				kingpin.FatalIfError(doHuntResults(), "hunt results")
			default:
				return false
			}
			return true
		})
}
