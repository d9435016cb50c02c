package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/harrier-ir/harrier/logging"
)

var (
	serve_command = app.Command(
		"serve", "Run the server until interrupted.")
)

func doServe() error {
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

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("<green>Harrier server ready</> (%v)", config_obj.Name)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Interrupted, shutting down")
	cancel()
	wg.Wait()
	services.Server.Close()
	services.DB.Close()
	return nil
}

func init() {
	command_handlers = append(command_handlers,
		func(command string) bool {
			if command == serve_command.FullCommand() {
				kingpin.FatalIfError(doServe(), "serve")
				return true
			}
			return false
		})
}
