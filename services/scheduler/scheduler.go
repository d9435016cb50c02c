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

// A minimal in-process cron. Each job runs on its own period with a
// hard lifetime - a wedged run is cancelled through its context
// rather than piling up behind the ticker.

package scheduler

import (
	"context"
	"sync"
	"time"

	errors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/logging"
)

var (
	jobRunCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs",
		Help: "Cron job runs by outcome.",
	}, []string{"job", "outcome"})

	jobDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "scheduler_job_duration_seconds",
		Help: "Cron job run duration.",
	}, []string{"job"})
)

type Job struct {
	Name     string
	Period   time.Duration
	Lifetime time.Duration

	Run func(ctx context.Context) error
}

type Scheduler struct {
	config_obj *config.Config
	logger     *logging.LogContext

	mu   sync.Mutex
	jobs []*Job
}

func NewScheduler(config_obj *config.Config) *Scheduler {
	return &Scheduler{
		config_obj: config_obj,
		logger: logging.GetLogger(
			config_obj, &logging.FrontendComponent),
	}
}

func (self *Scheduler) AddJob(job *Job) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.jobs = append(self.jobs, job)
}

func (self *Scheduler) Start(
	ctx context.Context, wg *sync.WaitGroup) error {

	self.mu.Lock()
	jobs := append([]*Job{}, self.jobs...)
	self.mu.Unlock()

	for _, job := range jobs {
		job := job

		wg.Add(1)
		go func() {
			defer wg.Done()

			ticker := time.NewTicker(job.Period)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					self.runJob(ctx, job)
				}
			}
		}()
	}

	self.logger.Info("<green>Started</> scheduler with %v jobs",
		len(jobs))
	return nil
}

// RunJobNow executes one job immediately, outside of its schedule.
func (self *Scheduler) RunJobNow(ctx context.Context, name string) error {
	self.mu.Lock()
	jobs := append([]*Job{}, self.jobs...)
	self.mu.Unlock()

	for _, job := range jobs {
		if job.Name == name {
			self.runJob(ctx, job)
			return nil
		}
	}
	return errors.Errorf("no such job %v", name)
}

func (self *Scheduler) runJob(ctx context.Context, job *Job) {
	start := time.Now()

	run_ctx := ctx
	if job.Lifetime > 0 {
		var cancel context.CancelFunc
		run_ctx, cancel = context.WithTimeout(ctx, job.Lifetime)
		defer cancel()
	}

	err := job.Run(run_ctx)
	jobDuration.WithLabelValues(job.Name).Observe(
		time.Since(start).Seconds())

	if err != nil {
		jobRunCounter.WithLabelValues(job.Name, "error").Inc()
		self.logger.Error("Cron job %v: %v", job.Name, err)
		return
	}
	jobRunCounter.WithLabelValues(job.Name, "ok").Inc()
}
