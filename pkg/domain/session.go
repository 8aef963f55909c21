package domain

import "time"

// SessionState defines the lifecycle phase of a session.
type SessionState string

const (
	StateActive     SessionState = "ACTIVE"     // Normal operation
	StateSuspended  SessionState = "SUSPENDED"  // Paused by the caller, refuses migration
	StateMigrating  SessionState = "MIGRATING"  // A relocation is in flight
	StateTerminated SessionState = "TERMINATED" // Sink state, session removed from the registry
)

// Cookie is a single browser cookie carried inside the session payload.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite string    `json:"sameSite,omitempty"`
}

// Tab is an open browser tab with its navigation history.
type Tab struct {
	URL            string   `json:"url"`
	Title          string   `json:"title,omitempty"`
	History        []string `json:"history,omitempty"`
	ScrollPosition int      `json:"scrollPosition,omitempty"`
}

// SessionData is the opaque payload relocated with a session. The engine
// carries it between regions but never interprets its contents; Profile in
// particular is a fingerprint blob (user agent, viewport, timezone, locale,
// webgl, canvas) owned entirely by the profile generator.
type SessionData struct {
	Cookies        []Cookie          `json:"cookies,omitempty"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	Tabs           []Tab             `json:"tabs,omitempty"`
	Profile        map[string]any    `json:"profile,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the payload.
func (d SessionData) Clone() SessionData {
	out := SessionData{
		LocalStorage:   cloneStringMap(d.LocalStorage),
		SessionStorage: cloneStringMap(d.SessionStorage),
		Profile:        cloneAnyMap(d.Profile),
		Metadata:       cloneAnyMap(d.Metadata),
	}
	// Nil slices stay nil so a clone compares equal to its source.
	if d.Cookies != nil {
		out.Cookies = make([]Cookie, len(d.Cookies))
		copy(out.Cookies, d.Cookies)
	}
	if d.Tabs != nil {
		out.Tabs = make([]Tab, len(d.Tabs))
		for i, tab := range d.Tabs {
			out.Tabs[i] = tab
			out.Tabs[i].History = append([]string(nil), tab.History...)
		}
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Session is the unit of orchestration: one browser profile instance with a
// region affinity. The caller populates it and hands it to the registry; the
// migration coordinator is the only writer of Region and State afterwards.
type Session struct {
	// ID is caller-supplied, globally unique and opaque.
	ID string `json:"id"`

	// UserID and BrowserID are opaque identifiers used only for indexing.
	UserID    string `json:"userId,omitempty"`
	BrowserID string `json:"browserId,omitempty"`

	// Region is the current placement (e.g. "us-east"). Non-empty for every
	// non-terminated session.
	Region string `json:"region"`

	State SessionState `json:"state"`

	CreatedAt time.Time `json:"createdAt"`

	// LastActivity is bumped on every successful migration.
	LastActivity time.Time `json:"lastActivity"`

	Data SessionData `json:"data"`
}

// Clone returns a deep copy of the session, detached from the original.
func (s *Session) Clone() *Session {
	out := *s
	out.Data = s.Data.Clone()
	return &out
}

// NewSession builds an active session placed in the given region.
func NewSession(id, userID, browserID, region string, now time.Time) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		BrowserID:    browserID,
		Region:       region,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
	}
}
