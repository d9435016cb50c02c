package main

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/harrier-ir/harrier/services/foreman"
)

var (
	client_command = app.Command("client", "Manage client records.")

	client_add    = client_command.Command("add", "Enroll a client record.")
	client_add_id = client_add.Arg(
		"client_id", "Client id.").Required().String()
	client_add_hostname = client_add.Flag(
		"hostname", "Reported hostname.").String()
	client_add_os = client_add.Flag(
		"os", "Reported operating system.").String()
	client_add_labels = client_add.Flag(
		"label", "Label. Repeatable.").Strings()
	client_add_build = client_add.Flag(
		"build", "Agent build number.").Uint64()

	client_list = client_command.Command("list", "List enrolled clients.")
)

func doClientAdd() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := getDatastore(config_obj)
	if err != nil {
		return err
	}

	err = foreman.SetClientInfo(config_obj, db, &foreman.ClientInfo{
		ClientId:    *client_add_id,
		Hostname:    *client_add_hostname,
		Os:          *client_add_os,
		Labels:      *client_add_labels,
		BuildNumber: *client_add_build,
		LastSeen:    time.Now(),
	})
	if err != nil {
		return err
	}

	fmt.Println(*client_add_id)
	return nil
}

func doClientList() error {
	config_obj, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := getDatastore(config_obj)
	if err != nil {
		return err
	}

	children, err := foreman.ListClients(config_obj, db)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"ClientId", "Hostname", "OS", "Labels", "LastSeen"})

	for _, child := range children {
		info, err := foreman.GetClientInfo(
			config_obj, db, path.Base(child))
		if err != nil {
			// A client directory without an enrollment record.
			continue
		}

		table.Append([]string{
			info.ClientId,
			info.Hostname,
			info.Os,
			strings.Join(info.Labels, ","),
			humanize.Time(info.LastSeen),
		})
	}

	table.Render()
	return nil
}

func init() {
	command_handlers = append(command_handlers,
		func(command string) bool {
			switch command {
			case client_add.FullCommand():
				kingpin.FatalIfError(doClientAdd(), "client add")
			case client_list.FullCommand():
				kingpin.FatalIfError(doClientList(), "client list")
			default:
				return false
			}
			return true
		})
}
