package types

import "time"

// ExpiryBuffer is how long before its expiry an access token is considered
// expired.
const ExpiryBuffer = 5 * time.Minute

// TokenSet is the set of tokens issued by the identity provider.
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	IDToken      string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

// Valid reports whether the access token can still be used at now.
func (t TokenSet) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Before(t.Expiry.Add(-ExpiryBuffer))
}

// Credentials are the account holder's login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ConfigEntry is everything persisted between restarts for one account.
type ConfigEntry struct {
	// EncryptedCredentials is the AES-GCM encrypted JSON of Credentials.
	EncryptedCredentials []byte    `json:"encryptedCredentials,omitempty"`
	Tokens               TokenSet  `json:"tokens"`
	AccountID            string    `json:"accountID,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
}
