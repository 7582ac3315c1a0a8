package session

import "time"

const (
	// AvatarCookieName remembers the last avatar the user picked.
	AvatarCookieName = "selectedAvatar"
	// AvatarRetention is how long that choice is remembered.
	AvatarRetention = 365 * 24 * time.Hour
)

// Preferences reads and writes the user's persisted choices.
type Preferences struct {
	store Store
}

// NewPreferences creates a preference accessor over store.
func NewPreferences(store Store) *Preferences {
	return &Preferences{store: store}
}

// SelectedAvatar returns the remembered avatar name, if any.
func (p *Preferences) SelectedAvatar() (string, bool) {
	name, ok := p.store.Get(AvatarCookieName)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// SetSelectedAvatar remembers name for AvatarRetention.
func (p *Preferences) SetSelectedAvatar(name string) error {
	return p.store.Set(AvatarCookieName, name, AvatarRetention)
}
