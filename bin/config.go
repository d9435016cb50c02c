package main

import (
	"fmt"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/json"
)

var (
	config_command = app.Command(
		"config", "Manage the server configuration.")

	config_init = config_command.Command(
		"init", "Write a default configuration file.")
	config_init_path = config_init.Arg(
		"path", "Where to write the file.").Required().String()

	config_show = config_command.Command(
		"show", "Dump the effective configuration.")
)

func doConfigInit() error {
	config_obj := config.GetDefaultConfig()
	err := config.WriteConfigToFile(config_obj, *config_init_path)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote default config to %v\n", *config_init_path)
	return nil
}

func doConfigShow() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	serialized, err := json.MarshalIndent(config_obj)
	if err != nil {
		return err
	}

	fmt.Println(string(serialized))
	return nil
}

func init() {
	command_handlers = append(command_handlers,
		func(command string) bool {
			switch command {
			case config_init.FullCommand():
				kingpin.FatalIfError(doConfigInit(), "config init")
			case config_show.FullCommand():
				kingpin.FatalIfError(doConfigShow(), "config show")
			default:
				return false
			}
			return true
		})
}
