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

// The foreman assigns hunts to clients. Each client periodically
// checks in with the foreman's well known session. The foreman
// compares the rule set against the client's enrollment record and
// publishes a participation event for every hunt whose rule fires.
// The hunt manager decides whether the client actually participates
// (limits, rates, dedup) - the foreman only matches.

package foreman

import (
	"context"
	"strconv"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/Velocidex/ttlcache/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/messages"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/utils"
)

const (
	lastForemanCheckAttribute = "last_foreman_check"
	ruleCacheKey              = "rules"
)

var (
	foremanCheckinCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_checkin_count",
		Help: "Total foreman check-ins processed.",
	})

	foremanMatchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_rule_match_count",
		Help: "Total rule matches published as participation events.",
	})
)

type Foreman struct {
	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	logger     *logging.LogContext

	Clock utils.Clock

	// The rule set is read on every check-in of every client so it
	// is cached with a refresh interval rather than read through.
	rule_cache *ttlcache.Cache
}

func NewForeman(
	config_obj *config.Config,
	db datastore.DataStore,
	journal_service *journal.JournalService) *Foreman {

	refresh := 600 * time.Second
	if config_obj.Hunts != nil &&
		config_obj.Hunts.ForemanCacheRefreshSeconds > 0 {
		refresh = time.Duration(
			config_obj.Hunts.ForemanCacheRefreshSeconds) * time.Second
	}

	cache := ttlcache.NewCache()
	_ = cache.SetTTL(refresh)
	cache.SkipTTLExtensionOnHit(true)

	return &Foreman{
		config_obj: config_obj,
		db:         db,
		journal:    journal_service,
		logger: logging.GetLogger(
			config_obj, &logging.ForemanComponent),
		Clock:      utils.RealClock{},
		rule_cache: cache,
	}
}

func (self *Foreman) SessionId() string {
	return constants.FOREMAN_WELL_KNOWN_FLOW
}

// FlushCache discards the cached rule set so the next check-in reads
// fresh rules. The hunt dispatcher calls this after rule changes.
func (self *Foreman) FlushCache() {
	_ = self.rule_cache.Remove(ruleCacheKey)
}

func (self *Foreman) getRules() ([]*ForemanRule, error) {
	cached, err := self.rule_cache.Get(ruleCacheKey)
	if err == nil {
		return cached.([]*ForemanRule), nil
	}

	rules, err := GetRules(self.config_obj, self.db)
	if err != nil {
		return nil, err
	}

	_ = self.rule_cache.Set(ruleCacheKey, rules)
	return rules, nil
}

func (self *Foreman) ProcessMessage(
	ctx context.Context, msg *messages.Message) error {

	if msg.ForemanCheckin == nil {
		// Not a check-in, nothing to do.
		return nil
	}

	foremanCheckinCounter.Inc()

	client_id := msg.Source
	info, err := GetClientInfo(self.config_obj, self.db, client_id)
	if err != nil {
		// Unenrolled clients have nothing to match against yet.
		self.logger.Debug("Check-in from unknown client %v", client_id)
		return nil
	}

	now := self.Clock.Now()
	watermark := self.getWatermark(client_id, msg.ForemanCheckin)

	rules, err := self.getRules()
	if err != nil {
		return err
	}

	participation := []*ordereddict.Dict{}
	for _, rule := range rules {
		// Only rules installed since the client last checked in are
		// considered so a client is matched against each hunt once.
		if !rule.Created.After(watermark) {
			continue
		}

		if !rule.Expires.IsZero() && now.After(rule.Expires) {
			continue
		}

		matched, err := rule.Matches(info)
		if err != nil {
			self.logger.Error(
				"Bad rule for hunt %v: %v", rule.HuntId, err)
			continue
		}

		if matched {
			foremanMatchCounter.Inc()
			participation = append(participation,
				ordereddict.NewDict().
					Set("HuntId", rule.HuntId).
					Set("ClientId", client_id).
					Set("Timestamp", now.UTC().Unix()))
		}
	}

	err = self.setWatermark(client_id, now)
	if err != nil {
		return err
	}

	if len(participation) > 0 {
		return self.journal.PushRows(
			constants.HUNT_PARTICIPATION_QUEUE, nil, participation)
	}
	return nil
}

// The watermark is the server side record of the last time rules were
// evaluated for this client. The client also reports its own idea of
// it so a wiped server can recover from the fleet.
func (self *Foreman) getWatermark(
	client_id string, checkin *messages.ForemanCheckin) time.Time {

	result := time.Time{}
	if checkin.LastForemanCheck > 0 {
		result = time.UnixMicro(int64(checkin.LastForemanCheck))
	}

	urn := paths.NewClientPathManager(client_id).Path()
	value, err := self.db.GetAttribute(
		self.config_obj, urn, lastForemanCheckAttribute)
	if err == nil {
		stored_micro, err := strconv.ParseInt(string(value.Data), 10, 64)
		if err == nil {
			stored := time.UnixMicro(stored_micro)
			if stored.After(result) {
				result = stored
			}
		}
	}

	return result
}

func (self *Foreman) setWatermark(client_id string, now time.Time) error {
	urn := paths.NewClientPathManager(client_id).Path()
	return self.db.SetAttribute(
		self.config_obj, urn, lastForemanCheckAttribute,
		[]byte(strconv.FormatInt(now.UnixMicro(), 10)))
}
