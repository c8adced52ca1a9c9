package auth

import (
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/ovoenergyau/ovoenergyau/pkg/common"
	"github.com/ovoenergyau/ovoenergyau/pkg/metrics"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// Configured returns a Session configured from flags.
func Configured(store EntryStore, m *metrics.Collector) *Session {
	authURL := lflag.String("ovo-auth-url", "https://login.ovoenergy.com.au", "Base URL of the OVO Energy identity provider")
	clientID := lflag.String("ovo-client-id", "5JHnPn71qgV3LmF3I3xX0KvfRBdROVhR", "OAuth client ID of the OVO Energy web app")
	redirectURL := lflag.String("ovo-redirect-uri", "https://my.ovoenergy.com.au?login=oea", "OAuth redirect URI registered for the client")
	connection := lflag.String("ovo-connection", "prod-myovo-auth", "Identity provider database connection")
	timeout := lflag.Duration("ovo-auth-timeout", 30*time.Second, "Timeout for each identity provider request")

	email := lflag.String("ovo-email", "", "Email of the OVO Energy account")
	password := lflag.String("ovo-password", "", "Password of the OVO Energy account")
	accessToken := lflag.String("ovo-access-token", "", "Initial access token, used instead of logging in until it expires")
	idToken := lflag.String("ovo-id-token", "", "Initial ID token")
	refreshToken := lflag.String("ovo-refresh-token", "", "Initial refresh token")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "32-byte key used to encrypt the stored credentials")

	s := &Session{
		store:   store,
		metrics: m,
		now:     time.Now,
	}

	lflag.Do(func() {
		s.apply(Config{
			AuthURL:       *authURL,
			ClientID:      *clientID,
			RedirectURL:   *redirectURL,
			Connection:    *connection,
			EncryptionKey: *encryptionKey,
			Timeout:       *timeout,
			HTTPClient:    common.HTTPClient(*timeout),
			Credentials: types.Credentials{
				Email:    *email,
				Password: *password,
			},
			Tokens: types.TokenSet{
				AccessToken:  *accessToken,
				IDToken:      *idToken,
				RefreshToken: *refreshToken,
			},
		})
	})

	return s
}
