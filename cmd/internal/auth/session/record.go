package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/security/fingerprint"
)

// UserIdentity is the authenticated principal as reported by the backend.
type UserIdentity struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Credentials is the token pair issued by the backend.
// A zero ExpiresAt means the backend did not report an expiry.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// DeviceInfo records which agent wrote the record and when.
type DeviceInfo struct {
	UserAgent   string
	Timestamp   time.Time
	Fingerprint string
}

// Record is the canonical cached session. Storage tiers hold mirrors of it.
type Record struct {
	User         UserIdentity
	Credentials  Credentials
	LastActivity time.Time
	Device       DeviceInfo
}

// LastKnownUser is the minimal projection kept for pre-authentication UI.
type LastKnownUser struct {
	Email    string    `json:"email"`
	ID       string    `json:"id"`
	LastSeen time.Time `json:"lastSeen"`
	FullName string    `json:"fullName"`
}

// NewDeviceInfo captures the agent string at now.
func NewDeviceInfo(userAgent string, now time.Time) DeviceInfo {
	userAgent = strings.TrimSpace(userAgent)
	return DeviceInfo{
		UserAgent:   userAgent,
		Timestamp:   now.UTC(),
		Fingerprint: fingerprint.Digest(userAgent),
	}
}

// LastKnown projects the record for the last-known-user slot.
func (r Record) LastKnown(now time.Time) LastKnownUser {
	return LastKnownUser{
		Email:    r.User.Email,
		ID:       r.User.ID,
		LastSeen: now.UTC(),
		FullName: r.User.FullName,
	}
}

// WithActivity returns a copy of r with LastActivity set to now.
func (r Record) WithActivity(now time.Time) Record {
	r.LastActivity = now.UTC()
	return r
}

// ---- wire format ----
//
// {"user":{...},"session":{...},"lastActivity":<unix ms>,"deviceInfo":{"userAgent":...,"timestamp":<unix ms>}}
// Durable tiers add "id" alongside these fields.

type recordJSON struct {
	ID           string          `json:"id,omitempty"`
	User         UserIdentity    `json:"user"`
	Session      credentialsJSON `json:"session"`
	LastActivity int64           `json:"lastActivity"`
	DeviceInfo   deviceJSON      `json:"deviceInfo"`
}

type credentialsJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// Unix seconds, as the backend reports it.
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

type deviceJSON struct {
	UserAgent   string `json:"userAgent"`
	Timestamp   int64  `json:"timestamp"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Encode serializes the record. id is written into the object when non-empty.
func Encode(r Record, id string) ([]byte, error) {
	out := recordJSON{
		ID:   id,
		User: r.User,
		Session: credentialsJSON{
			AccessToken:  r.Credentials.AccessToken,
			RefreshToken: r.Credentials.RefreshToken,
		},
		LastActivity: r.LastActivity.UnixMilli(),
		DeviceInfo: deviceJSON{
			UserAgent:   r.Device.UserAgent,
			Timestamp:   r.Device.Timestamp.UnixMilli(),
			Fingerprint: r.Device.Fingerprint,
		},
	}
	if !r.Credentials.ExpiresAt.IsZero() {
		sec := r.Credentials.ExpiresAt.Unix()
		out.Session.ExpiresAt = &sec
	}
	return json.Marshal(out)
}

// Decode parses a serialized record. Records without a principal or tokens are rejected.
func Decode(b []byte) (Record, error) {
	var in recordJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return Record{}, ErrInvalidRecord
	}
	if strings.TrimSpace(in.User.ID) == "" || in.Session.AccessToken == "" || in.Session.RefreshToken == "" {
		return Record{}, ErrInvalidRecord
	}
	if in.LastActivity <= 0 {
		return Record{}, ErrInvalidRecord
	}

	r := Record{
		User: in.User,
		Credentials: Credentials{
			AccessToken:  in.Session.AccessToken,
			RefreshToken: in.Session.RefreshToken,
		},
		LastActivity: time.UnixMilli(in.LastActivity).UTC(),
		Device: DeviceInfo{
			UserAgent:   in.DeviceInfo.UserAgent,
			Fingerprint: in.DeviceInfo.Fingerprint,
		},
	}
	if in.Session.ExpiresAt != nil {
		r.Credentials.ExpiresAt = time.Unix(*in.Session.ExpiresAt, 0).UTC()
	}
	if in.DeviceInfo.Timestamp > 0 {
		r.Device.Timestamp = time.UnixMilli(in.DeviceInfo.Timestamp).UTC()
	}
	return r, nil
}

// EncodeLastKnown serializes the last-known-user projection.
func EncodeLastKnown(u LastKnownUser) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeLastKnown parses the last-known-user projection.
func DecodeLastKnown(b []byte) (LastKnownUser, error) {
	var u LastKnownUser
	if err := json.Unmarshal(b, &u); err != nil {
		return LastKnownUser{}, ErrInvalidRecord
	}
	if u.ID == "" {
		return LastKnownUser{}, ErrInvalidRecord
	}
	return u, nil
}
