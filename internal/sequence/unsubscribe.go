package sequence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/util"
)

// UnsubscribeRequest names the address to unsubscribe. With SequenceID set
// only that sequence is affected.
type UnsubscribeRequest struct {
	Email      string `json:"email" validate:"omitempty,max=320"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`
	SequenceID string `json:"sequence_id"`
	Reason     string `json:"reason"`
}

// UnsubscribeResult reports what an unsubscribe changed.
type UnsubscribeResult struct {
	Email                string `json:"email,omitempty"`
	Phone                string `json:"phone,omitempty"`
	SequenceID           string `json:"sequence_id,omitempty"`
	Global               bool   `json:"global"`
	CancelledEnrollments int    `json:"cancelled_enrollments"`
}

// OptOut is an address-level preference change with its enrollment cascade.
type OptOut struct {
	Email string
	Phone string
	// SequenceID records a per-sequence opt-out instead of a global one.
	SequenceID string
	// ChannelOnly disables the channel of each given address without a
	// global unsubscribe and without cancelling enrollments.
	ChannelOnly bool
	Reason      string
}

type tokenPayload struct {
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	SequenceID  string `json:"sequenceId,omitempty"`
	SequenceID2 string `json:"sequence_id,omitempty"`
}

var errInvalidToken = models.NewValidationError("Invalid unsubscribe token", map[string]string{"token": "is invalid"})

// EncodeUnsubscribeToken builds the URL-safe token carried by unsubscribe links.
func EncodeUnsubscribeToken(email, phone, sequenceID string) string {
	raw, _ := json.Marshal(tokenPayload{Email: email, Phone: phone, SequenceID: sequenceID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeUnsubscribeToken accepts standard or URL base64, padded or raw.
func DecodeUnsubscribeToken(token string) (UnsubscribeRequest, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return UnsubscribeRequest{}, errInvalidToken
	}
	// Query decoding turns '+' into a space.
	token = strings.ReplaceAll(token, " ", "+")
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(token); err == nil {
			break
		}
	}
	if err != nil {
		return UnsubscribeRequest{}, errInvalidToken
	}
	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return UnsubscribeRequest{}, errInvalidToken
	}
	if p.Email == "" && p.Phone == "" {
		return UnsubscribeRequest{}, errInvalidToken
	}
	seqID := p.SequenceID
	if seqID == "" {
		seqID = p.SequenceID2
	}
	return UnsubscribeRequest{Email: p.Email, Phone: p.Phone, SequenceID: seqID}, nil
}

// UnsubscribeURL returns the public link for the address, or "" when no
// public base URL is configured. The tenant travels as a query parameter
// next to the token.
func UnsubscribeURL(baseURL, tenantID, email, phone, sequenceID string) string {
	if baseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("token", EncodeUnsubscribeToken(email, phone, sequenceID))
	q.Set("tenant", tenantID)
	return strings.TrimRight(baseURL, "/") + "/unsubscribe?" + q.Encode()
}

// Unsubscribe cancels the address's live enrollments and records the
// preference. Repeating it is harmless.
func (m *EnrollmentManager) Unsubscribe(ctx context.Context, tenantID string, req UnsubscribeRequest) (*UnsubscribeResult, error) {
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	email := util.CanonicalEmail(req.Email)
	phone := util.E164(req.Phone)
	if email == "" && phone == "" {
		return nil, models.NewValidationError("email or phone is required",
			map[string]string{"email": "email or phone is required"})
	}
	if email != "" && !util.LooksLikeEmail(email) {
		return nil, models.NewValidationError("Invalid email address", map[string]string{"email": "must be a valid email"})
	}
	reason := req.Reason
	if reason == "" {
		reason = "unsubscribed"
	}
	n, err := m.ApplyOptOut(ctx, tenantID, OptOut{Email: email, Phone: phone, SequenceID: req.SequenceID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return &UnsubscribeResult{
		Email:                email,
		Phone:                phone,
		SequenceID:           req.SequenceID,
		Global:               req.SequenceID == "",
		CancelledEnrollments: n,
	}, nil
}

// ApplyOptOut records the preference change and cancels matching live
// enrollments. It returns the number of enrollments cancelled.
func (m *EnrollmentManager) ApplyOptOut(ctx context.Context, tenantID string, o OptOut) (int, error) {
	now := m.clock()
	addresses := []struct {
		addr string
		typ  models.AddressType
	}{{o.Email, models.AddressEmail}, {o.Phone, models.AddressPhone}}

	for _, a := range addresses {
		if a.addr == "" {
			continue
		}
		if o.SequenceID != "" && !o.ChannelOnly {
			if err := m.store.AddSequenceOptOut(ctx, tenantID, a.addr, o.SequenceID, now); err != nil {
				return 0, err
			}
			continue
		}
		pref, err := m.store.GetPreference(ctx, tenantID, a.addr)
		if err != nil {
			return 0, err
		}
		if pref == nil {
			pref = models.DefaultPreference(tenantID, a.addr, a.typ)
		}
		if a.typ == models.AddressEmail {
			pref.EmailEnabled = false
		} else {
			pref.SMSEnabled = false
		}
		if !o.ChannelOnly {
			pref.GlobalUnsubscribe = true
		}
		if pref.UnsubscribedAt == nil {
			pref.UnsubscribedAt = &now
		}
		pref.Reason = o.Reason
		pref.UpdatedAt = now
		if err := m.store.UpsertPreference(ctx, pref); err != nil {
			return 0, err
		}
	}
	if o.ChannelOnly {
		return 0, nil
	}

	live, err := m.store.ListLiveEnrollmentsByAddress(ctx, tenantID, o.Email, o.Phone, o.SequenceID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, e := range live {
		err := m.store.EndEnrollment(ctx, tenantID, e.ID, models.EnrollmentCancelled, o.Reason, now)
		if errors.Is(err, store.ErrStateChanged) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	slog.Info("EnrollmentManager.ApplyOptOut", "tenant", tenantID, "sequenceID", o.SequenceID,
		"channelOnly", o.ChannelOnly, "reason", o.Reason, "cancelled", cancelled)
	return cancelled, nil
}
