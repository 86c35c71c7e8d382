// Package domain defines the persistence models for conversations, credit
// balances, ledger entries and guest sessions. These types are mapped with
// GORM and form the core data layer of the relay.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationKind names one conversation flavour. Each kind has its own
// client endpoint and its own billing policy.
type ConversationKind string

const (
	KindDeepDive       ConversationKind = "deep_dive"
	KindDocumentReview ConversationKind = "document_review"
)

// Valid reports whether k is a known kind.
func (k ConversationKind) Valid() bool {
	return k == KindDeepDive || k == KindDocumentReview
}

// Turn roles. The prompter is the upstream service asking; the responder is
// the caller answering.
const (
	RolePrompter  = "prompter"
	RoleResponder = "responder"
)

// Conversation statuses. The only legal transition is in_progress -> completed.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Turn is one entry of the ordered conversation history.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Scores is the four-dimensional progress vector reported by the upstream
// service. Every dimension is 0..100.
type Scores struct {
	Motivation  int `json:"motivation"`
	Fit         int `json:"fit"`
	Specificity int `json:"specificity"`
	Consistency int `json:"consistency"`
}

// AllAtLeast reports whether every dimension is >= threshold.
func (s Scores) AllAtLeast(threshold int) bool {
	return s.Motivation >= threshold &&
		s.Fit >= threshold &&
		s.Specificity >= threshold &&
		s.Consistency >= threshold
}

// Clamp bounds every dimension to 0..100.
func (s Scores) Clamp() Scores {
	c := func(v int) int {
		switch {
		case v < 0:
			return 0
		case v > 100:
			return 100
		}
		return v
	}
	return Scores{
		Motivation:  c(s.Motivation),
		Fit:         c(s.Fit),
		Specificity: c(s.Specificity),
		Consistency: c(s.Consistency),
	}
}

// Conversation is the durable record of one (kind, subject, caller)
// conversation. Exactly one of AccountID or GuestID is set.
//
// Version is bumped by every successful commit and claim; writers must present
// the version they read (optimistic concurrency). ClaimToken/ClaimedUntil
// form a lease held while a turn is in flight upstream.
type Conversation struct {
	ID           string                     `json:"id"            gorm:"type:char(36);primaryKey"`
	Kind         string                     `json:"kind"          gorm:"type:varchar(32);not null;uniqueIndex:ux_conv_owner,priority:1"`
	SubjectID    string                     `json:"subject_id"    gorm:"type:varchar(128);not null;uniqueIndex:ux_conv_owner,priority:2"`
	AccountID    string                     `json:"-"             gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_conv_owner,priority:3;index"`
	GuestID      string                     `json:"-"             gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_conv_owner,priority:4;index"`
	Turns        datatypes.JSONSlice[Turn]  `json:"turns"         gorm:"not null"`
	TurnCount    int                        `json:"turn_count"    gorm:"not null;default:0"`
	Scores       datatypes.JSONType[Scores] `json:"scores"`
	NextPrompt   *string                    `json:"next_prompt"`
	Status       string                     `json:"status"        gorm:"type:varchar(16);not null;default:'in_progress';check:status IN ('in_progress','completed')"`
	Version      int64                      `json:"-"             gorm:"not null;default:0"`
	ClaimToken   *string                    `json:"-"             gorm:"type:char(36)"`
	ClaimedUntil *time.Time                 `json:"-"             gorm:"index"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Completed reports whether the conversation accepts no further turns.
func (c *Conversation) Completed() bool { return c.Status == StatusCompleted }

// Balance is the per-account metered credit balance. Guests never own one.
type Balance struct {
	AccountID         string    `json:"account_id"         gorm:"type:varchar(64);primaryKey"`
	Balance           int       `json:"balance"            gorm:"not null;default:0;check:balance >= 0"`
	MonthlyAllocation int       `json:"monthly_allocation" gorm:"not null;default:0"`
	NextResetAt       time.Time `json:"next_reset_at"      gorm:"not null"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for Balance.
func (Balance) TableName() string { return "balances" }

// LedgerEntry is an immutable record of one debit (or admin grant). The pair
// (account_id, reference_id) is unique so a unit of work is never charged
// twice.
type LedgerEntry struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	AccountID   string    `json:"account_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_account_ref,priority:1"`
	ReferenceID string    `json:"reference_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_ledger_account_ref,priority:2"`
	Amount      int       `json:"amount"       gorm:"not null"`
	Reason      string    `json:"reason"       gorm:"type:varchar(64);not null"`
	CreatedAt   time.Time `json:"created_at"   gorm:"not null;index"`
}

// Ledger reasons. Conversation charges use the conversation kind as reason.
const (
	ReasonGrant         = "grant"
	ReasonCompanyLookup = "company_lookup"
)

// TableName returns the database table name for LedgerEntry.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// GuestSession is an anonymous identity keyed by the hash of a client-held
// token. The raw token is never stored. Once MigratedToAccountID is set the
// session is inert forever.
type GuestSession struct {
	ID                  string     `gorm:"type:char(36);primaryKey"`
	TokenHash           string     `gorm:"type:char(64);not null;uniqueIndex"`
	ExpiresAt           time.Time  `gorm:"not null;index"`
	MigratedToAccountID *string    `gorm:"type:varchar(64)"`
	RetiredAt           *time.Time `gorm:"index"` // set by the sweeper; the row stays as a tombstone
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName returns the database table name for GuestSession.
func (GuestSession) TableName() string { return "guest_sessions" }

// GuestUsage counts free low-cost actions per guest, per action, per
// home-timezone calendar day (YYYY-MM-DD).
type GuestUsage struct {
	GuestID string `gorm:"type:char(36);primaryKey"`
	Day     string `gorm:"type:char(10);primaryKey"`
	Action  string `gorm:"type:varchar(32);primaryKey"`
	Count   int    `gorm:"not null;default:0"`
}

// TableName returns the database table name for GuestUsage.
func (GuestUsage) TableName() string { return "guest_usage" }
