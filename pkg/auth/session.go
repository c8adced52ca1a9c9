// Package auth keeps a valid OVO Energy access token, refreshing it or logging
// in again with the stored credentials as needed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ovoenergyau/ovoenergyau/pkg/common"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/metrics"
	"github.com/ovoenergyau/ovoenergyau/pkg/storage"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// EntryStore persists the config entry holding the credentials and tokens.
type EntryStore interface {
	GetEntry(ctx context.Context) (types.ConfigEntry, error)
	SetEntry(ctx context.Context, entry types.ConfigEntry) error
}

// Config configures a Session.
type Config struct {
	AuthURL       string
	ClientID      string
	RedirectURL   string
	Audience      string
	Connection    string
	EncryptionKey string
	Timeout       time.Duration
	HTTPClient    *http.Client

	// Credentials and Tokens seed the config entry in Setup.
	Credentials types.Credentials
	Tokens      types.TokenSet
}

// Session owns the token set of one account. It is safe for concurrent use.
type Session struct {
	store   EntryStore
	metrics *metrics.Collector
	now     func() time.Time

	cfg    Config
	oauth  *oauth2.Config
	client *http.Client

	mu    sync.Mutex
	entry types.ConfigEntry
	creds types.Credentials
}

// New returns a session backed by store. Setup must be called before use.
func New(store EntryStore, cfg Config, m *metrics.Collector) *Session {
	s := &Session{
		store:   store,
		metrics: m,
		now:     time.Now,
	}
	s.apply(cfg)
	return s
}

func (s *Session) apply(cfg Config) {
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	if cfg.Audience == "" {
		cfg.Audience = cfg.AuthURL + "/api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = common.HTTPClient(cfg.Timeout)
	}
	s.cfg = cfg
	s.client = cfg.HTTPClient
	s.oauth = &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL + "/authorize",
			TokenURL:  cfg.AuthURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Setup loads the config entry and merges in the configured credentials and
// tokens. A changed email discards the tokens and account ID of the previous
// account.
func (s *Session) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.store.GetEntry(ctx)
	if errors.Is(err, storage.ErrEntryNotFound) {
		entry = types.ConfigEntry{}
	} else if err != nil {
		return fmt.Errorf("loading config entry: %w", err)
	}

	stored, err := DecryptCredentials(ctx, s.cfg.EncryptionKey, entry.EncryptedCredentials)
	if err != nil {
		return err
	}

	changed := false
	if want := s.cfg.Credentials; want.Email != "" && want != stored {
		if stored.Email != "" && !strings.EqualFold(stored.Email, want.Email) {
			log.Ctx(ctx).InfoContext(ctx, "account email changed, discarding stored tokens")
			entry.Tokens = types.TokenSet{}
			entry.AccountID = ""
		}
		sealed, err := EncryptCredentials(ctx, s.cfg.EncryptionKey, want)
		if err != nil {
			return err
		}
		entry.EncryptedCredentials = sealed
		stored = want
		changed = true
	}

	if seed := s.cfg.Tokens; entry.Tokens == (types.TokenSet{}) && (seed.AccessToken != "" || seed.RefreshToken != "") {
		if seed.AccessToken != "" {
			seed.Expiry = expiryFor(seed.AccessToken, seed.Expiry, s.now())
		}
		entry.Tokens = seed
		changed = true
	}

	if stored.Email == "" && entry.Tokens.AccessToken == "" && entry.Tokens.RefreshToken == "" {
		return errors.New("no credentials configured: set --ovo-email and --ovo-password")
	}

	s.entry = entry
	s.creds = stored
	if changed {
		s.persist(ctx)
	}
	return nil
}

// persist saves the entry. Failures are logged since the in-memory state is
// still usable. s.mu must be held.
func (s *Session) persist(ctx context.Context) {
	s.entry.UpdatedAt = s.now()
	if err := s.store.SetEntry(ctx, s.entry); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist config entry", slog.Any("error", err))
	}
}

// EnsureValidToken returns a token that is valid for at least the expiry
// buffer. It refreshes the token when possible and otherwise logs in again.
func (s *Session) EnsureValidToken(ctx context.Context) (types.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry.Tokens.Valid(s.now()) {
		s.metrics.ObserveToken("cached", nil)
		return s.entry.Tokens, nil
	}

	if s.entry.Tokens.RefreshToken != "" {
		ts, err := s.refresh(ctx, s.entry.Tokens)
		s.metrics.ObserveToken("refresh", err)
		if err == nil {
			s.entry.Tokens = ts
			s.persist(ctx)
			return ts, nil
		}
		if ctx.Err() != nil {
			return types.TokenSet{}, err
		}
		log.Ctx(ctx).WarnContext(ctx, "token refresh failed, logging in again", slog.Any("error", err))
	}

	ts, err := s.login(ctx, s.creds)
	s.metrics.ObserveToken("login", err)
	if err != nil {
		return types.TokenSet{}, err
	}
	s.entry.Tokens = ts
	s.persist(ctx)
	log.Ctx(ctx).InfoContext(ctx, "logged in", slog.Time("expiry", ts.Expiry))
	return ts, nil
}

func (s *Session) refresh(ctx context.Context, prev types.TokenSet) (types.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	// an empty access token is never valid so the source always refreshes
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: prev.RefreshToken}).Token()
	if err != nil {
		return types.TokenSet{}, tokenError("token refresh failed", err)
	}
	return tokenSetFromOAuth(tok, prev, s.now()), nil
}

// tokenError wraps a token endpoint failure. A rejection by the identity
// provider is a credential problem, anything else is a network problem.
func tokenError(msg string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		network := rErr.Response != nil && rErr.Response.StatusCode >= http.StatusInternalServerError
		if rErr.ErrorDescription != "" {
			msg += ": " + rErr.ErrorDescription
		} else if rErr.ErrorCode != "" {
			msg += ": " + rErr.ErrorCode
		}
		return &types.AuthError{Network: network, Message: msg, Err: err}
	}
	return &types.AuthError{Network: true, Message: msg, Err: err}
}

// Invalidate drops the current tokens so the next EnsureValidToken logs in
// again.
func (s *Session) Invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.Tokens = types.TokenSet{}
	s.persist(ctx)
}

// Email returns the account email: the email claim of the ID token, falling
// back to the stored credentials.
func (s *Session) Email(tokens types.TokenSet) string {
	if email := EmailFromIDToken(tokens.IDToken); email != "" {
		return email
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Email
}

// AccountID returns the cached account ID, if any.
func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.AccountID
}

// SetAccountID caches and persists the account ID.
func (s *Session) SetAccountID(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.AccountID == id {
		return
	}
	s.entry.AccountID = id
	s.persist(ctx)
}
