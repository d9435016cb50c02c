package main

import (
	"context"
	"sync"
	"time"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/server"
	"github.com/harrier-ir/harrier/services/foreman"
	"github.com/harrier-ir/harrier/services/hunt_dispatcher"
	"github.com/harrier-ir/harrier/services/hunt_manager"
	"github.com/harrier-ir/harrier/services/hunt_output"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/services/scheduler"
)

// Everything a running server is made of, wired together in
// dependency order.
type Services struct {
	ConfigObj  *config.Config
	DB         datastore.DataStore
	Journal    *journal.JournalService
	Server     *server.Server
	Foreman    *foreman.Foreman
	Dispatcher *hunt_dispatcher.HuntDispatcher
	Manager    *hunt_manager.HuntManager
	Pipeline   *hunt_output.Pipeline
	Scheduler  *scheduler.Scheduler
	Reaper     *scheduler.Reaper
}

func getDatastore(config_obj *config.Config) (datastore.DataStore, error) {
	return datastore.GetDB(config_obj)
}

func startServices(
	ctx context.Context,
	wg *sync.WaitGroup,
	config_obj *config.Config) (*Services, error) {

	db, err := datastore.GetDB(config_obj)
	if err != nil {
		return nil, err
	}

	journal_service := journal.NewJournalService(config_obj)
	frontend := server.NewServer(config_obj, db, journal_service)

	foreman_obj := foreman.NewForeman(config_obj, db, journal_service)
	flows.RegisterWellKnownFlow(foreman_obj)

	dispatcher, err := hunt_dispatcher.NewHuntDispatcher(
		config_obj, db, journal_service, foreman_obj)
	if err != nil {
		return nil, err
	}

	manager := hunt_manager.NewHuntManager(
		config_obj, db, journal_service, dispatcher, frontend.Runner())
	err = manager.Start(ctx, wg)
	if err != nil {
		return nil, err
	}

	pipeline := hunt_output.NewPipeline(config_obj, db, dispatcher)
	reaper := scheduler.NewReaper(config_obj, db, frontend.Runner())

	sched := scheduler.NewScheduler(config_obj)
	sched.AddJob(&scheduler.Job{
		Name: "ProcessHuntResults",
		Period: time.Duration(
			config_obj.Cron.OutputPluginFrequencySeconds) * time.Second,
		Lifetime: time.Duration(
			config_obj.Cron.OutputPluginLifetimeSeconds) * time.Second,
		Run: pipeline.ProcessHuntResults,
	})
	sched.AddJob(&scheduler.Job{
		Name: "FlowReaper",
		Period: time.Duration(
			config_obj.Cron.ReaperFrequencySeconds) * time.Second,
		Run: reaper.Run,
	})

	err = sched.Start(ctx, wg)
	if err != nil {
		return nil, err
	}

	return &Services{
		ConfigObj:  config_obj,
		DB:         db,
		Journal:    journal_service,
		Server:     frontend,
		Foreman:    foreman_obj,
		Dispatcher: dispatcher,
		Manager:    manager,
		Pipeline:   pipeline,
		Scheduler:  sched,
		Reaper:     reaper,
	}, nil
}
