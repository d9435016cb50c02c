package foreman

import (
	"regexp"
	"time"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
)

// A foreman rule matches clients against a hunt. Rules are pure
// conditions - the hunt id tells the hunt manager what to schedule
// when a rule fires.
type ForemanRule struct {
	HuntId  string    `json:"hunt_id"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`

	// Attribute conditions. Empty patterns match everything.
	OsRegex    string `json:"os_regex,omitempty"`
	LabelRegex string `json:"label_regex,omitempty"`

	// Integer conditions. Zero means no constraint.
	MinBuildNumber uint64 `json:"min_build_number,omitempty"`
}

func (self *ForemanRule) Matches(info *ClientInfo) (bool, error) {
	if self.OsRegex != "" {
		matched, err := regexp.MatchString(self.OsRegex, info.Os)
		if err != nil || !matched {
			return false, err
		}
	}

	if self.LabelRegex != "" {
		matched := false
		for _, label := range info.Labels {
			ok, err := regexp.MatchString(self.LabelRegex, label)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	if self.MinBuildNumber > 0 && info.BuildNumber < self.MinBuildNumber {
		return false, nil
	}

	return true, nil
}

// The complete rule set is stored in one subject so the foreman can
// fetch it with a single read.
type ruleSet struct {
	Rules []*ForemanRule `json:"rules"`
}

func GetRules(
	config_obj *config.Config,
	db datastore.DataStore) ([]*ForemanRule, error) {

	rules := &ruleSet{}
	err := db.GetSubject(config_obj, constants.FOREMAN_URN, rules)
	if err != nil && err != datastore.ErrNotFound {
		return nil, err
	}
	return rules.Rules, nil
}

// AddRuleForHunt installs the hunt's condition. Called by the hunt
// dispatcher when a hunt starts running.
func AddRuleForHunt(
	config_obj *config.Config,
	db datastore.DataStore,
	rule *ForemanRule) error {

	unlock := db.LockSubject(config_obj, constants.FOREMAN_URN)
	defer unlock()

	rules := &ruleSet{}
	err := db.GetSubject(config_obj, constants.FOREMAN_URN, rules)
	if err != nil && err != datastore.ErrNotFound {
		return err
	}

	// Replace any previous rule for the same hunt.
	active := []*ForemanRule{}
	for _, r := range rules.Rules {
		if r.HuntId != rule.HuntId {
			active = append(active, r)
		}
	}
	rules.Rules = append(active, rule)

	return db.SetSubject(config_obj, constants.FOREMAN_URN, rules)
}

// RemoveRuleForHunt uninstalls the hunt's condition. Called when the
// hunt pauses, stops or expires.
func RemoveRuleForHunt(
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) error {

	unlock := db.LockSubject(config_obj, constants.FOREMAN_URN)
	defer unlock()

	rules := &ruleSet{}
	err := db.GetSubject(config_obj, constants.FOREMAN_URN, rules)
	if err != nil && err != datastore.ErrNotFound {
		return err
	}

	active := []*ForemanRule{}
	for _, r := range rules.Rules {
		if r.HuntId != hunt_id {
			active = append(active, r)
		}
	}
	rules.Rules = active

	return db.SetSubject(config_obj, constants.FOREMAN_URN, rules)
}
