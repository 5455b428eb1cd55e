package database

import (
	"time"

	"github.com/lysyi3m/friend-mesh/app/rules"
)

// Role describes the trust level of a relationship. Roles form a closed
// set with an explicit transition table; nothing else in the codebase may
// move a relationship between roles.
type Role string

const (
	RoleNone              Role = "none"
	RoleSubscription      Role = "subscription"
	RolePendingRequestOut Role = "pending_request_out"
	RolePendingRequestIn  Role = "pending_request_in"
	RoleAcquaintance      Role = "acquaintance"
	RoleFriend            Role = "friend"
)

var allowedTransitions = map[Role][]Role{
	RoleNone:              {RoleSubscription, RolePendingRequestOut, RolePendingRequestIn},
	RoleSubscription:      {RolePendingRequestOut, RolePendingRequestIn, RoleNone},
	RolePendingRequestOut: {RoleFriend, RoleNone},
	RolePendingRequestIn:  {RoleFriend, RoleAcquaintance, RoleNone},
	RoleAcquaintance:      {RoleFriend, RoleNone},
	RoleFriend:            {RoleAcquaintance, RoleNone},
}

// CanTransition reports whether the role may move to the target role.
// RoleNone is the implicit state of a removed relationship.
func (r Role) CanTransition(to Role) bool {
	for _, allowed := range allowedTransitions[r] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Item visibility states. Deleted rows are tombstones: only the dedup key
// survives, so a delete-ruled item can never reappear on a later poll.
const (
	ItemStatusVisible = "visible"
	ItemStatusTrashed = "trashed"
	ItemStatusDeleted = "deleted"
)

// Relationship is the trust/subscription record between the local owner
// and one remote site. InToken is what the remote presents when calling
// us; OutToken is what we present when calling the remote. RequestSecret
// holds the staged future-inbound token while a handshake is pending.
type Relationship struct {
	ID                  string
	SiteURL             string
	Role                Role
	InToken             string
	OutToken            string
	RequestID           string
	RequestSecret       string
	NotifyNewPosts      bool
	NotifyKeywords      bool
	RetentionMaxAgeDays int
	RetentionMaxCount   int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Feed is one polling source belonging to a relationship. PollInterval of
// zero means the global default applies; next-poll time is always derived
// from LastPolledAt + interval + backoff, never stored.
type Feed struct {
	ID               string
	RelationshipID   string
	URL              string
	Parser           string
	PostFormat       string
	Active           bool
	PollInterval     int // seconds, 0 = global default
	ExtractContent   bool
	Rules            []rules.Rule
	CatchAll         string // "" = global default
	LastPolledAt     *time.Time
	PollingStartedAt *time.Time
	FailureCount     int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Item is a stored canonical item keyed by (feed, guid).
type Item struct {
	ID               string
	FeedID           string
	GUID             string
	Title            string
	Body             string
	Author           string
	Permalink        string
	PublishedAt      time.Time
	UpdatedAtRemote  *time.Time
	Fingerprint      string
	Status           string
	PostFormat       string
	InReplyTo        string
	Enclosures       []Enclosure
	Raw              map[string]interface{}
	ExtractionStatus string
	ExtractedAt      *time.Time
	ExtractionError  string
	CreatedAt        time.Time
}

type Enclosure struct {
	URL    string `json:"url"`
	Type   string `json:"type"`
	Length int64  `json:"length"`
}
