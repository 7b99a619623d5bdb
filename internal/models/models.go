package models

import (
	"time"
)

// ContactStatus is the outreach lifecycle state of a contact.
type ContactStatus string

const (
	StatusNew            ContactStatus = "new"
	StatusContacted      ContactStatus = "contacted"
	StatusAwaitingReview ContactStatus = "awaiting_review"
	StatusClosed         ContactStatus = "closed"
	StatusPaused         ContactStatus = "paused"
	StatusBlacklisted    ContactStatus = "blacklisted"
	StatusUnreachable    ContactStatus = "unreachable"
)

// Valid reports whether s is one of the known statuses.
func (s ContactStatus) Valid() bool {
	switch s {
	case StatusNew, StatusContacted, StatusAwaitingReview, StatusClosed,
		StatusPaused, StatusBlacklisted, StatusUnreachable:
		return true
	}
	return false
}

// Terminal statuses never receive automated messages again.
func (s ContactStatus) Terminal() bool {
	return s == StatusBlacklisted || s == StatusUnreachable || s == StatusClosed
}

var transitions = map[ContactStatus][]ContactStatus{
	StatusNew:            {StatusContacted, StatusUnreachable, StatusBlacklisted, StatusPaused, StatusClosed},
	StatusContacted:      {StatusAwaitingReview, StatusClosed, StatusBlacklisted, StatusPaused},
	StatusAwaitingReview: {StatusContacted, StatusClosed, StatusBlacklisted, StatusPaused},
	StatusPaused:         {StatusNew, StatusContacted, StatusAwaitingReview, StatusClosed, StatusBlacklisted},
	StatusClosed:         {StatusBlacklisted},
	StatusUnreachable:    {StatusBlacklisted},
	StatusBlacklisted:    {},
}

// CanTransition reports whether a contact may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to ContactStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Contact is a single outreach target addressed by its normalized WhatsApp ID.
type Contact struct {
	WaID            string        `gorm:"primaryKey;type:varchar(32)" json:"wa_id"`
	SendTo          string        `gorm:"type:varchar(32);index" json:"send_to"` // address that last accepted a delivery
	DisplayName     string        `gorm:"type:varchar(255)" json:"display_name"`
	CompanyName     string        `gorm:"type:varchar(255)" json:"company_name"`
	Locality        string        `gorm:"type:varchar(255)" json:"locality"`
	Status          ContactStatus `gorm:"type:varchar(20);index;default:'new'" json:"status"`
	PausedFrom      ContactStatus `gorm:"type:varchar(20)" json:"paused_from,omitempty"`
	FollowUpStep    int           `gorm:"default:0" json:"follow_up_step"`
	LastContactAt   *time.Time    `gorm:"index" json:"last_contact_at"`
	IsPaused        bool          `gorm:"default:false" json:"is_paused"`
	Blacklisted     bool          `gorm:"default:false;index" json:"blacklisted"`
	BlacklistReason string        `gorm:"type:varchar(255)" json:"blacklist_reason,omitempty"`
	CreatedAt       time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Address returns the address outbound messages should go to.
func (c *Contact) Address() string {
	if c.SendTo != "" {
		return c.SendTo
	}
	return c.WaID
}

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one coalesced message in a contact's conversation. Turns are append-only.
type Turn struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	WaID      string    `gorm:"type:varchar(32);not null;index" json:"wa_id"`
	Role      string    `gorm:"type:varchar(20);not null" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Turn) TableName() string {
	return "turns"
}

// CampaignState is the singleton row holding campaign counters.
type CampaignState struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	StartedAt     time.Time `json:"started_at"`
	SentToday     int       `json:"sent_today"`
	LastResetDate string    `gorm:"type:varchar(10)" json:"last_reset_date"` // YYYY-MM-DD in campaign timezone
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CampaignState) TableName() string {
	return "campaign_state"
}

// AutomationLog is an audit entry for pipeline decisions and failures.
type AutomationLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	WaID         string    `gorm:"type:varchar(32);index" json:"wa_id"`
	TurnID       string    `gorm:"type:varchar(36)" json:"turn_id,omitempty"`
	Stage        string    `gorm:"type:varchar(50)" json:"stage"` // campaign, followup, judge, closer, transport
	ActionTaken  string    `gorm:"type:text" json:"action_taken"`
	Success      bool      `json:"success"`
	ErrorMessage string    `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AutomationLog) TableName() string {
	return "automation_logs"
}
