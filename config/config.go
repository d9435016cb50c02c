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
package config

type DatastoreConfig struct {
	// One of "Memory" or "FileBase".
	Implementation string `json:"implementation"`
	Location       string `json:"location,omitempty"`

	// Where result sets and journal queues are written.
	FilestoreDirectory string `json:"filestore_directory,omitempty"`
}

type FrontendConfig struct {
	// Maximum number of flow state transitions processed at the
	// same time.
	Concurrency int `json:"concurrency,omitempty"`

	// Token bucket limiting inbound messages per second. 0 means
	// unlimited.
	MessagesPerSecond float64 `json:"messages_per_second,omitempty"`

	// How long a worker waits for a session lock before requeuing
	// the message (milliseconds).
	LockTimeoutMs int `json:"lock_timeout_ms,omitempty"`
}

type LoggingConfig struct {
	OutputDirectory string `json:"output_directory,omitempty"`
	Debug           bool   `json:"debug,omitempty"`

	// Days to retain rotated log files.
	MaxAgeDays int `json:"max_age_days,omitempty"`
}

type HuntsConfig struct {
	// Default hunt expiry if the creator does not give one (hours).
	DefaultExpiryHours int `json:"default_expiry_hours,omitempty"`

	// How often the foreman refreshes its rule cache (seconds).
	ForemanCacheRefreshSeconds int `json:"foreman_cache_refresh_seconds,omitempty"`
}

type CronConfig struct {
	// How often the output plugin pipeline runs (seconds).
	OutputPluginFrequencySeconds int `json:"output_plugin_frequency_seconds,omitempty"`

	// Hard lifetime for a single pipeline run (seconds). The
	// pipeline budgets 60% of this for batch processing.
	OutputPluginLifetimeSeconds int `json:"output_plugin_lifetime_seconds,omitempty"`

	// How often the reaper force-terminates expired flows (seconds).
	ReaperFrequencySeconds int `json:"reaper_frequency_seconds,omitempty"`
}

type Config struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`

	Datastore *DatastoreConfig `json:"Datastore,omitempty"`
	Frontend  *FrontendConfig  `json:"Frontend,omitempty"`
	Logging   *LoggingConfig   `json:"Logging,omitempty"`
	Hunts     *HuntsConfig     `json:"Hunts,omitempty"`
	Cron      *CronConfig      `json:"Cron,omitempty"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Name:    "harrier",
		Version: "0.1.0",
		Datastore: &DatastoreConfig{
			Implementation: "Memory",
		},
		Frontend: &FrontendConfig{
			Concurrency:       50,
			MessagesPerSecond: 0,
			LockTimeoutMs:     100,
		},
		Logging: &LoggingConfig{
			MaxAgeDays: 365,
		},
		Hunts: &HuntsConfig{
			DefaultExpiryHours:         24 * 7,
			ForemanCacheRefreshSeconds: 600,
		},
		Cron: &CronConfig{
			OutputPluginFrequencySeconds: 300,
			OutputPluginLifetimeSeconds:  2400,
			ReaperFrequencySeconds:       60,
		},
	}
}
