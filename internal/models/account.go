package models

import "time"

// ProviderKind identifies the backend of a calendar account.
type ProviderKind string

const (
	// ProviderGoogle is Google Calendar (OAuth2 + Calendar API).
	ProviderGoogle ProviderKind = "google"
	// ProviderICloud is Apple iCloud (CalDAV with app-specific password).
	ProviderICloud ProviderKind = "icloud"
	// ProviderMicrosoft is Microsoft Outlook/365 (OAuth2 + Graph API).
	ProviderMicrosoft ProviderKind = "microsoft"
	// ProviderCalDAV is generic CalDAV (Fastmail, Nextcloud, self-hosted).
	ProviderCalDAV ProviderKind = "caldav"
	// ProviderLocal holds calendars that only exist in the local store.
	ProviderLocal ProviderKind = "local"
)

func (p ProviderKind) String() string {
	return string(p)
}

// IsValid returns true if the provider kind is recognized.
func (p ProviderKind) IsValid() bool {
	switch p {
	case ProviderGoogle, ProviderICloud, ProviderMicrosoft, ProviderCalDAV, ProviderLocal:
		return true
	default:
		return false
	}
}

// IsRemote returns true if the account is backed by an external provider.
func (p ProviderKind) IsRemote() bool {
	return p.IsValid() && p != ProviderLocal
}

// UsesOAuth returns true if the provider authenticates with OAuth2 bearer tokens.
func (p ProviderKind) UsesOAuth() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// UsesCalDAV returns true if the provider speaks CalDAV.
func (p ProviderKind) UsesCalDAV() bool {
	return p == ProviderICloud || p == ProviderCalDAV
}

// DisplayName returns a human-readable name for the provider.
func (p ProviderKind) DisplayName() string {
	switch p {
	case ProviderGoogle:
		return "Google Calendar"
	case ProviderICloud:
		return "iCloud"
	case ProviderMicrosoft:
		return "Microsoft Outlook"
	case ProviderCalDAV:
		return "CalDAV"
	case ProviderLocal:
		return "Local"
	default:
		return string(p)
	}
}

// CalendarAccount is a connected provider identity. There is at most one
// account per (user, provider) pair.
type CalendarAccount struct {
	ID          string
	UserID      string
	Provider    ProviderKind
	Email       string
	Credentials []byte // encrypted credential blob
	LastSyncAt  time.Time
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Calendar belongs to exactly one account.
type Calendar struct {
	ID         string
	AccountID  string
	ExternalID string // provider-native address of the remote collection
	Name       string
	Color      string
	TimeZone   string
	IsVisible  bool // hidden calendars are not synced
	IsReadOnly bool // read-only calendars never receive pushed writes
	IsPrimary  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
