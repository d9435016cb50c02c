package foreman

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/messages"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/utils"
)

type ForemanTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	foreman    *Foreman
	clock      *utils.MockClock

	ctx context.Context
}

func (self *ForemanTestSuite) SetupTest() {
	datastore.SetTestDatastore()
	file_store.SetTestFileStore()

	self.config_obj = config.GetDefaultConfig()
	self.ctx = context.Background()

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	self.db = db

	self.journal = journal.NewJournalService(self.config_obj)
	self.foreman = NewForeman(self.config_obj, db, self.journal)

	self.clock = utils.NewMockClock(
		time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	self.foreman.Clock = self.clock

	require.NoError(self.T(), SetClientInfo(self.config_obj, db,
		&ClientInfo{
			ClientId:    "C.1",
			Hostname:    "workstation1",
			Os:          "linux",
			Labels:      []string{"finance", "laptop"},
			BuildNumber: 120,
		}))
}

func (self *ForemanTestSuite) checkin(client_id string) *messages.Message {
	return &messages.Message{
		SessionId:      constants.FOREMAN_WELL_KNOWN_FLOW,
		Source:         client_id,
		AuthState:      messages.AUTHENTICATED,
		ForemanCheckin: &messages.ForemanCheckin{},
	}
}

func (self *ForemanTestSuite) installRule(rule *ForemanRule) {
	require.NoError(self.T(), AddRuleForHunt(
		self.config_obj, self.db, rule))
	self.foreman.FlushCache()
}

func (self *ForemanTestSuite) TestMatchingRulePublishesParticipation() {
	events, cancel := self.journal.Watch(
		constants.HUNT_PARTICIPATION_QUEUE)
	defer cancel()

	self.installRule(&ForemanRule{
		HuntId:  "H.1",
		Created: self.clock.Now(),
		Expires: self.clock.Now().Add(time.Hour),
		OsRegex: "linux",
	})

	// The rule must be newer than the client's watermark.
	self.clock.Advance(time.Minute)

	err := self.foreman.ProcessMessage(self.ctx, self.checkin("C.1"))
	require.NoError(self.T(), err)

	row := <-events
	hunt_id, _ := row.GetString("HuntId")
	assert.Equal(self.T(), "H.1", hunt_id)
	client_id, _ := row.GetString("ClientId")
	assert.Equal(self.T(), "C.1", client_id)
}

func (self *ForemanTestSuite) TestWatermarkPreventsRematching() {
	events, cancel := self.journal.Watch(
		constants.HUNT_PARTICIPATION_QUEUE)
	defer cancel()

	self.installRule(&ForemanRule{
		HuntId:  "H.1",
		Created: self.clock.Now(),
		Expires: self.clock.Now().Add(time.Hour),
	})

	self.clock.Advance(time.Minute)
	require.NoError(self.T(),
		self.foreman.ProcessMessage(self.ctx, self.checkin("C.1")))
	<-events

	// Later check-ins do not match the same rule again.
	self.clock.Advance(time.Minute)
	require.NoError(self.T(),
		self.foreman.ProcessMessage(self.ctx, self.checkin("C.1")))

	select {
	case row := <-events:
		self.T().Fatalf("unexpected participation event: %v", row)
	default:
	}
}

func (self *ForemanTestSuite) TestNonMatchingClientIsSkipped() {
	events, cancel := self.journal.Watch(
		constants.HUNT_PARTICIPATION_QUEUE)
	defer cancel()

	self.installRule(&ForemanRule{
		HuntId:  "H.1",
		Created: self.clock.Now(),
		Expires: self.clock.Now().Add(time.Hour),
		OsRegex: "windows",
	})

	self.clock.Advance(time.Minute)
	require.NoError(self.T(),
		self.foreman.ProcessMessage(self.ctx, self.checkin("C.1")))

	select {
	case row := <-events:
		self.T().Fatalf("unexpected participation event: %v", row)
	default:
	}
}

func (self *ForemanTestSuite) TestLabelAndBuildConditions() {
	events, cancel := self.journal.Watch(
		constants.HUNT_PARTICIPATION_QUEUE)
	defer cancel()

	self.installRule(&ForemanRule{
		HuntId:         "H.labels",
		Created:        self.clock.Now(),
		Expires:        self.clock.Now().Add(time.Hour),
		LabelRegex:     "^finance$",
		MinBuildNumber: 100,
	})

	self.clock.Advance(time.Minute)
	require.NoError(self.T(),
		self.foreman.ProcessMessage(self.ctx, self.checkin("C.1")))

	row := <-events
	hunt_id, _ := row.GetString("HuntId")
	assert.Equal(self.T(), "H.labels", hunt_id)

	// Raise the build requirement past the client's version.
	self.clock.Advance(time.Minute)
	self.installRule(&ForemanRule{
		HuntId:         "H.newer",
		Created:        self.clock.Now(),
		Expires:        self.clock.Now().Add(time.Hour),
		MinBuildNumber: 500,
	})

	self.clock.Advance(time.Minute)
	require.NoError(self.T(),
		self.foreman.ProcessMessage(self.ctx, self.checkin("C.1")))

	select {
	case row := <-events:
		self.T().Fatalf("unexpected participation event: %v", row)
	default:
	}
}

func (self *ForemanTestSuite) TestExpiredRuleDoesNotFire() {
	events, cancel := self.journal.Watch(
		constants.HUNT_PARTICIPATION_QUEUE)
	defer cancel()

	self.installRule(&ForemanRule{
		HuntId:  "H.old",
		Created: self.clock.Now(),
		Expires: self.clock.Now().Add(time.Minute),
	})

	self.clock.Advance(time.Hour)
	require.NoError(self.T(),
		self.foreman.ProcessMessage(self.ctx, self.checkin("C.1")))

	select {
	case row := <-events:
		self.T().Fatalf("unexpected participation event: %v", row)
	default:
	}
}

func (self *ForemanTestSuite) TestUnknownClientIsIgnored() {
	self.installRule(&ForemanRule{
		HuntId:  "H.1",
		Created: self.clock.Now(),
		Expires: self.clock.Now().Add(time.Hour),
	})

	self.clock.Advance(time.Minute)
	err := self.foreman.ProcessMessage(
		self.ctx, self.checkin("C.unknown"))
	require.NoError(self.T(), err)
}

func TestForeman(t *testing.T) {
	suite.Run(t, &ForemanTestSuite{})
}
