// Package credstore holds the long-lived account secrets the session broker
// authenticates with. Credentials are loaded once at startup and are
// immutable for the lifetime of the process.
package credstore

import (
	"fmt"

	"github.com/acnh-api/acnh-api-public/internal/config"
)

// Credentials carries the platform (BAAS) and game account secrets plus the
// operator's design creator ID. Fields are unexported so nothing outside the
// broker can reach the raw secrets; accessors return copies.
type Credentials struct {
	platformProfileID string
	platformUserID    string
	platformPassword  string
	gameUserID        string
	gamePassword      string
	designCreatorID   string
}

// FromConfig builds the credential set from the loaded configuration.
func FromConfig(cfg *config.Config) (*Credentials, error) {
	c := &Credentials{
		platformProfileID: cfg.BAASProfileID,
		platformUserID:    cfg.BAASUserID,
		platformPassword:  cfg.BAASPassword,
		gameUserID:        cfg.ACNHUserID,
		gamePassword:      cfg.ACNHPassword,
		designCreatorID:   cfg.DesignCreatorID,
	}
	if c.platformProfileID == "" || c.platformUserID == "" || c.platformPassword == "" {
		return nil, fmt.Errorf("credstore: platform account credentials incomplete")
	}
	if c.gameUserID == "" || c.gamePassword == "" {
		return nil, fmt.Errorf("credstore: game account credentials incomplete")
	}
	return c, nil
}

func (c *Credentials) PlatformProfileID() string { return c.platformProfileID }
func (c *Credentials) PlatformUserID() string    { return c.platformUserID }
func (c *Credentials) PlatformPassword() string  { return c.platformPassword }
func (c *Credentials) GameUserID() string        { return c.gameUserID }
func (c *Credentials) GamePassword() string      { return c.gamePassword }
func (c *Credentials) DesignCreatorID() string   { return c.designCreatorID }

// String never exposes secrets; fmt verbs go through here.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials(platform=%s, game=%s)", c.platformUserID, c.gameUserID)
}

// GoString keeps %#v from dumping the struct fields.
func (c *Credentials) GoString() string { return c.String() }
