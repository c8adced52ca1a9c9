package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

const maxLoginRedirects = 10

// login runs the hosted login page flow with PKCE: authorize, submit the
// credentials, post the returned callback form and exchange the code.
func (s *Session) login(ctx context.Context, creds types.Credentials) (types.TokenSet, error) {
	if creds.Email == "" || creds.Password == "" {
		return types.TokenSet{}, &types.AuthError{Message: "no stored credentials to log in with"}
	}

	// the whole flow is a handful of requests, each bounded by the client timeout
	ctx, cancel := context.WithTimeout(ctx, 4*s.cfg.Timeout)
	defer cancel()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return types.TokenSet{}, fmt.Errorf("creating cookie jar: %w", err)
	}
	client := &http.Client{
		Transport: s.client.Transport,
		Timeout:   s.client.Timeout,
		Jar:       jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	authURL := s.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("audience", s.cfg.Audience),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return types.TokenSet{}, fmt.Errorf("creating authorize request: %w", err)
	}
	loginPage, err := walkRedirects(client, req, nil)
	if err != nil {
		return types.TokenSet{}, loginError("loading login page", err)
	}
	txState := loginPage.Query().Get("state")
	if txState == "" {
		txState = state
	}
	log.Ctx(ctx).DebugContext(ctx, "loaded login page", slog.String("url", loginPage.Redacted()))

	form, err := s.submitCredentials(ctx, client, jar, loginPage, txState, verifier, creds)
	if err != nil {
		return types.TokenSet{}, err
	}

	code, err := s.submitCallbackForm(ctx, client, form, state)
	if err != nil {
		return types.TokenSet{}, err
	}

	tok, err := s.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.client), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return types.TokenSet{}, tokenError("code exchange failed", err)
	}
	return tokenSetFromOAuth(tok, types.TokenSet{}, s.now()), nil
}

type statusError struct {
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// loginError classifies a failed login step. Transport failures and server
// errors mean the identity provider is unavailable.
func loginError(msg string, err error) error {
	var sErr *statusError
	if errors.As(err, &sErr) && sErr.StatusCode < http.StatusInternalServerError {
		return &types.AuthError{Message: msg, Err: err}
	}
	return &types.AuthError{Network: true, Message: msg, Err: err}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// walkRedirects follows redirects by hand so the cookie jar sees every hop.
// It returns the first Location matched by stop or else the URL of the final
// page.
func walkRedirects(client *http.Client, req *http.Request, stop func(*url.URL) bool) (*url.URL, error) {
	for range maxLoginRedirects {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if !isRedirect(resp.StatusCode) {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, &statusError{StatusCode: resp.StatusCode}
			}
			return resp.Request.URL, nil
		}

		loc, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("redirect without location: %w", err)
		}
		if stop != nil && stop(loc) {
			return loc, nil
		}
		req, err = http.NewRequestWithContext(req.Context(), http.MethodGet, loc.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("creating redirect request: %w", err)
		}
	}
	return nil, errors.New("too many redirects")
}

type loginRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	Audience            string `json:"audience"`
	State               string `json:"state"`
	Connection          string `json:"connection"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	CSRF                string `json:"_csrf,omitempty"`
}

type loginErrorResponse struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func csrfToken(jar http.CookieJar, u *url.URL) string {
	for _, c := range jar.Cookies(u) {
		if c.Name == "_csrf" {
			return c.Value
		}
	}
	return ""
}

// submitCredentials posts the username and password and returns the callback
// form the identity provider answers with.
func (s *Session) submitCredentials(ctx context.Context, client *http.Client, jar http.CookieJar, loginPage *url.URL, txState, verifier string, creds types.Credentials) (callbackForm, error) {
	body, err := json.Marshal(loginRequest{
		ClientID:            s.cfg.ClientID,
		RedirectURI:         s.cfg.RedirectURL,
		ResponseType:        "code",
		Scope:               strings.Join(s.oauth.Scopes, " "),
		Audience:            s.cfg.Audience,
		State:               txState,
		Connection:          s.cfg.Connection,
		Username:            creds.Email,
		Password:            creds.Password,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		CSRF:                csrfToken(jar, loginPage),
	})
	if err != nil {
		return callbackForm{}, fmt.Errorf("marshaling login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthURL+"/usernamepassword/login", bytes.NewReader(body))
	if err != nil {
		return callbackForm{}, fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", s.cfg.AuthURL)
	req.Header.Set("Referer", loginPage.String())

	resp, err := client.Do(req)
	if err != nil {
		return callbackForm{}, loginError("submitting credentials", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		var e loginErrorResponse
		json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		msg := "invalid credentials"
		if e.Description != "" {
			msg += ": " + e.Description
		}
		return callbackForm{}, &types.AuthError{Message: msg, Err: &statusError{StatusCode: resp.StatusCode}}
	case resp.StatusCode != http.StatusOK:
		return callbackForm{}, loginError("submitting credentials", &statusError{StatusCode: resp.StatusCode})
	}

	form, err := parseCallbackForm(io.LimitReader(resp.Body, 1<<20), resp.Request.URL)
	if err != nil {
		return callbackForm{}, &types.AuthError{Message: "unexpected login response", Err: err}
	}
	return form, nil
}

// submitCallbackForm posts the callback form and follows redirects until the
// identity provider redirects to the redirect URL, returning the code.
func (s *Session) submitCallbackForm(ctx context.Context, client *http.Client, form callbackForm, state string) (string, error) {
	redirect, err := url.Parse(s.cfg.RedirectURL)
	if err != nil {
		return "", fmt.Errorf("parsing redirect url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, form.Action, strings.NewReader(form.Fields.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	loc, err := walkRedirects(client, req, func(u *url.URL) bool {
		if !strings.EqualFold(u.Host, redirect.Host) {
			return false
		}
		q := u.Query()
		return q.Has("code") || q.Has("error")
	})
	if err != nil {
		return "", loginError("completing login", err)
	}

	q := loc.Query()
	if e := q.Get("error"); e != "" {
		msg := e
		if d := q.Get("error_description"); d != "" {
			msg = d
		}
		return "", &types.AuthError{Message: "login rejected: " + msg}
	}
	code := q.Get("code")
	if code == "" {
		return "", &types.AuthError{Message: "login did not return an authorization code"}
	}
	if got := q.Get("state"); got != "" && got != state {
		return "", &types.AuthError{Message: "login state mismatch"}
	}
	return code, nil
}

// callbackForm is the auto-submitting form returned after the credentials
// are accepted.
type callbackForm struct {
	Action string
	Fields url.Values
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func collectInputs(n *html.Node, fields url.Values) {
	if n.Type == html.ElementNode && n.Data == "input" {
		if name, ok := attr(n, "name"); ok && name != "" {
			value, _ := attr(n, "value")
			fields.Add(name, value)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectInputs(c, fields)
	}
}

// parseCallbackForm extracts the first form of the page. A relative action is
// resolved against base.
func parseCallbackForm(r io.Reader, base *url.URL) (callbackForm, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return callbackForm{}, fmt.Errorf("parsing html: %w", err)
	}
	form := findElement(doc, "form")
	if form == nil {
		return callbackForm{}, errors.New("no form in response")
	}
	action, _ := attr(form, "action")
	target, err := base.Parse(action)
	if err != nil {
		return callbackForm{}, fmt.Errorf("invalid form action %q: %w", action, err)
	}
	fields := url.Values{}
	collectInputs(form, fields)
	if len(fields) == 0 {
		return callbackForm{}, errors.New("form has no fields")
	}
	return callbackForm{Action: target.String(), Fields: fields}, nil
}
