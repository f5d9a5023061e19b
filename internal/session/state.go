// Package session persists authenticated browser state per (engine, account)
// on disk and decides whether a saved session is still usable.
package session

import (
	"context"
	"time"
)

// Cookie is one browser cookie in storage-state form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageItem is one localStorage entry.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin holds the localStorage captured for one origin.
type Origin struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// StorageState is the serialized cookies and local storage of a browser context.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// StateSource yields the current storage state of a live browser context.
type StateSource interface {
	StorageState(ctx context.Context) (StorageState, error)
}

// Metadata describes a saved session. It is written after the state file.
type Metadata struct {
	Engine      string            `json:"engine"`
	AccountID   string            `json:"account_id"`
	SavedAt     time.Time         `json:"saved_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CookieCount int               `json:"cookie_count"`
	OriginCount int               `json:"origin_count"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Expired reports whether the session's TTL has passed at now.
func (m Metadata) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
