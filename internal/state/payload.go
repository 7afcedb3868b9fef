// Package state carries the OAuth state payload across the provider redirect.
//
// A Payload is sealed into an opaque state string when sign-in starts and
// opened exactly once when the provider redirects back. How the payload
// travels (server-side record or signed blob) is chosen by a Strategy;
// the Manager owns defaults, size limits, expiry and the custom hooks.
package state

import "time"

// Link marks a flow that attaches a provider account to an already signed-in user.
type Link struct {
	Email  string `json:"email"`
	UserID string `json:"userId"`
}

// Payload is everything the callback needs to finish the flow.
type Payload struct {
	CallbackURL   string
	CodeVerifier  string
	ErrorURL      string
	NewUserURL    string
	Link          *Link
	ExpiresAt     time.Time
	RequestSignUp bool

	// Extra holds caller-supplied fields, flattened next to the fields above
	// when encoded. Keys that collide with a protected field are dropped.
	Extra map[string]any
}

// Protected field names. Caller input can never set these through Extra.
const (
	keyCallbackURL   = "callbackURL"
	keyCodeVerifier  = "codeVerifier"
	keyErrorURL      = "errorURL"
	keyNewUserURL    = "newUserURL"
	keyLink          = "link"
	keyExpiresAt     = "expiresAt"
	keyRequestSignUp = "requestSignUp"
)

var protectedKeys = map[string]struct{}{
	keyCallbackURL:   {},
	keyCodeVerifier:  {},
	keyErrorURL:      {},
	keyNewUserURL:    {},
	keyLink:          {},
	keyExpiresAt:     {},
	keyRequestSignUp: {},
}

// IsProtectedKey reports whether key names a server-computed payload field.
func IsProtectedKey(key string) bool {
	_, ok := protectedKeys[key]
	return ok
}

// stripProtected returns a copy of extra without protected keys, or nil if nothing is left.
func stripProtected(extra map[string]any) map[string]any {
	var out map[string]any
	for k, v := range extra {
		if IsProtectedKey(k) {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(extra))
		}
		out[k] = v
	}
	return out
}

// Expired reports whether the payload deadline has passed at now.
// A payload without a deadline is expired.
func (p Payload) Expired(now time.Time) bool {
	return p.ExpiresAt.IsZero() || !now.Before(p.ExpiresAt)
}

// wirePayload is the typed half of the encoding. Both codecs read the json tags.
type wirePayload struct {
	CallbackURL   string `json:"callbackURL"`
	CodeVerifier  string `json:"codeVerifier"`
	ErrorURL      string `json:"errorURL,omitempty"`
	NewUserURL    string `json:"newUserURL,omitempty"`
	Link          *Link  `json:"link,omitempty"`
	ExpiresAt     int64  `json:"expiresAt"`
	RequestSignUp bool   `json:"requestSignUp,omitempty"`
}

// flatten merges Extra and the typed fields into one map, typed fields winning.
func (p Payload) flatten() map[string]any {
	m := make(map[string]any, len(p.Extra)+len(protectedKeys))
	for k, v := range stripProtected(p.Extra) {
		m[k] = v
	}
	m[keyCallbackURL] = p.CallbackURL
	m[keyCodeVerifier] = p.CodeVerifier
	if p.ErrorURL != "" {
		m[keyErrorURL] = p.ErrorURL
	}
	if p.NewUserURL != "" {
		m[keyNewUserURL] = p.NewUserURL
	}
	if p.Link != nil {
		m[keyLink] = map[string]any{"email": p.Link.Email, "userId": p.Link.UserID}
	}
	var millis int64
	if !p.ExpiresAt.IsZero() {
		millis = p.ExpiresAt.UnixMilli()
	}
	m[keyExpiresAt] = millis
	if p.RequestSignUp {
		m[keyRequestSignUp] = true
	}
	return m
}

// fromWire rebuilds a Payload from its typed half and the full decoded map.
func fromWire(w wirePayload, all map[string]any) Payload {
	p := Payload{
		CallbackURL:   w.CallbackURL,
		CodeVerifier:  w.CodeVerifier,
		ErrorURL:      w.ErrorURL,
		NewUserURL:    w.NewUserURL,
		Link:          w.Link,
		RequestSignUp: w.RequestSignUp,
		Extra:         stripProtected(all),
	}
	if w.ExpiresAt != 0 {
		p.ExpiresAt = time.UnixMilli(w.ExpiresAt)
	}
	return p
}
