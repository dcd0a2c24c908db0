package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MuteSpec is the mute state of one chat. The zero value means not muted.
type MuteSpec struct {
	Until      time.Time `json:"until,omitempty"`
	Indefinite bool      `json:"indefinite,omitempty"`
}

// MuteFor mutes until now+d.
func MuteFor(now time.Time, d time.Duration) MuteSpec {
	return MuteSpec{Until: now.Add(d)}
}

// MuteForever mutes until explicitly unmuted.
func MuteForever() MuteSpec { return MuteSpec{Indefinite: true} }

// IsNone reports whether the spec clears the mute.
func (s MuteSpec) IsNone() bool { return !s.Indefinite && s.Until.IsZero() }

// ActiveAt reports whether the spec mutes at t.
func (s MuteSpec) ActiveAt(t time.Time) bool {
	return s.Indefinite || (!s.Until.IsZero() && t.Before(s.Until))
}

func (s MuteSpec) String() string {
	switch {
	case s.Indefinite:
		return "indefinitely"
	case s.Until.IsZero():
		return "not muted"
	}
	return "until " + s.Until.Format("2006-01-02 15:04")
}

// ParseMuteSpec parses "forever", "off"/"none" or a duration such as "2h",
// "30m" or "3d".
func ParseMuteSpec(arg string, now time.Time) (MuteSpec, error) {
	a := strings.ToLower(strings.TrimSpace(arg))
	switch a {
	case "", "forever", "indefinite", "always":
		return MuteForever(), nil
	case "off", "none", "0":
		return MuteSpec{}, nil
	}
	if strings.HasSuffix(a, "d") {
		var days int
		if _, err := fmt.Sscanf(a, "%dd", &days); err == nil && days > 0 {
			return MuteFor(now, time.Duration(days)*24*time.Hour), nil
		}
	}
	d, err := time.ParseDuration(a)
	if err != nil || d <= 0 {
		return MuteSpec{}, fmt.Errorf("invalid mute duration %q", arg)
	}
	return MuteFor(now, d), nil
}

// MuteStore persists mute state.
type MuteStore interface {
	SaveMute(chatID string, until time.Time, indefinite bool) error
	DeleteMute(chatID string) error
}

// MuteTable is the process-wide mute state. It is mutated only by operator
// commands and read by the gate.
type MuteTable struct {
	mu    sync.RWMutex
	mutes map[string]MuteSpec
	store MuteStore
	now   func() time.Time
}

// NewMuteTable creates a mute table. store may be nil.
func NewMuteTable(store MuteStore) *MuteTable {
	return &MuteTable{mutes: make(map[string]MuteSpec), store: store, now: time.Now}
}

// Load replaces the in-memory state with persisted entries.
func (t *MuteTable) Load(entries map[string]MuteSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutes = make(map[string]MuteSpec, len(entries))
	for k, v := range entries {
		if !v.IsNone() {
			t.mutes[k] = v
		}
	}
}

// SetMute applies spec to chatID. Setting the state a chat already has is a
// no-op and reports changed=false.
func (t *MuteTable) SetMute(chatID string, spec MuteSpec) (changed bool, err error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return false, fmt.Errorf("mute: empty chat id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.mutes[chatID]
	if ok && !cur.ActiveAt(t.now()) {
		delete(t.mutes, chatID)
		ok = false
	}
	switch {
	case spec.IsNone() && !ok:
		return false, nil
	case ok && cur.Indefinite == spec.Indefinite && cur.Until.Equal(spec.Until):
		return false, nil
	}

	if t.store != nil {
		if spec.IsNone() {
			err = t.store.DeleteMute(chatID)
		} else {
			err = t.store.SaveMute(chatID, spec.Until, spec.Indefinite)
		}
		if err != nil {
			return false, fmt.Errorf("persist mute: %w", err)
		}
	}
	if spec.IsNone() {
		delete(t.mutes, chatID)
	} else {
		t.mutes[chatID] = spec
	}
	return true, nil
}

// Muted returns the active mute for chatID at now.
func (t *MuteTable) Muted(chatID string, now time.Time) (MuteSpec, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.mutes[chatID]
	if !ok || !s.ActiveAt(now) {
		return MuteSpec{}, false
	}
	return s, true
}

// List returns the mutes active at now.
func (t *MuteTable) List(now time.Time) map[string]MuteSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]MuteSpec, len(t.mutes))
	for k, v := range t.mutes {
		if v.ActiveAt(now) {
			out[k] = v
		}
	}
	return out
}
