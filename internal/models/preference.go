package models

import (
	"strings"
	"time"
)

// AddressType distinguishes email addresses from phone numbers.
type AddressType string

const (
	AddressEmail AddressType = "email"
	AddressPhone AddressType = "phone"
)

// CommunicationPreference holds the opt-in/opt-out flags for one address.
type CommunicationPreference struct {
	TenantID          string      `json:"tenant_id"`
	Address           string      `json:"address"`
	AddressType       AddressType `json:"address_type"`
	EmailEnabled      bool        `json:"email_enabled"`
	SMSEnabled        bool        `json:"sms_enabled"`
	GlobalUnsubscribe bool        `json:"global_unsubscribe"`
	UnsubscribedAt    *time.Time  `json:"unsubscribed_at,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// DefaultPreference returns the implicit preference of an address that has
// never opted out of anything.
func DefaultPreference(tenantID, address string, addrType AddressType) *CommunicationPreference {
	return &CommunicationPreference{
		TenantID:     tenantID,
		Address:      address,
		AddressType:  addrType,
		EmailEnabled: true,
		SMSEnabled:   true,
	}
}

// AllowsChannel reports whether the channel-level flag permits sending.
// Global unsubscribe is checked separately by callers.
func (p *CommunicationPreference) AllowsChannel(ch Channel) bool {
	if p == nil {
		return true
	}
	if ch == ChannelSMS {
		return p.SMSEnabled
	}
	return p.EmailEnabled
}

// Contact is the minimal collaborator record the engine resolves addresses
// and profile fields from.
type Contact struct {
	TenantID    string         `json:"tenant_id"`
	SubjectType SubjectType    `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	FirstName   string         `json:"first_name,omitempty"`
	LastName    string         `json:"last_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Profile returns the template variables contributed by the contact.
// Attributes never shadow the named fields.
func (c *Contact) Profile() map[string]any {
	out := make(map[string]any, len(c.Attributes)+5)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out["first_name"] = c.FirstName
	out["last_name"] = c.LastName
	out["full_name"] = strings.TrimSpace(c.FirstName + " " + c.LastName)
	out["email"] = c.Email
	out["phone"] = c.Phone
	return out
}

// ProcessingStatus summarises the message queue for one tenant.
type ProcessingStatus struct {
	DuePending        int        `json:"due_pending"`
	ScheduledPending  int        `json:"scheduled_pending"`
	Sending           int        `json:"sending"`
	Sent              int        `json:"sent"`
	Delivered         int        `json:"delivered"`
	Failed            int        `json:"failed"`
	ActiveEnrollments int        `json:"active_enrollments"`
	NextDueAt         *time.Time `json:"next_due_at,omitempty"`
}

// SequenceAnalytics reports engagement counts for one sequence.
type SequenceAnalytics struct {
	SequenceID  string         `json:"sequence_id"`
	Name        string         `json:"name"`
	Enrollments map[string]int `json:"enrollments"`
	Messages    map[string]int `json:"messages"`
	Opened      int            `json:"opened"`
	Clicked     int            `json:"clicked"`
	OpenRate    float64        `json:"open_rate"`
	ClickRate   float64        `json:"click_rate"`
}
