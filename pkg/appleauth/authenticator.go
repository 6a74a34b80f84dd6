// Package appleauth signs in to an Apple ID for free-account signing.
//
// Authenticator drives Apple's idmsa sign-in, including the two-factor
// round trip, and hands out the resulting Session. Sessions are held in
// memory only.
package appleauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/internal/metrics"
	"github.com/aluedeke/go-ipasign/internal/retry"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// State is the authentication state of an Authenticator.
type State int

const (
	LoggedOut State = iota
	CredentialsSubmitted
	AwaitingSecondFactor
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "LoggedOut"
	case CredentialsSubmitted:
		return "CredentialsSubmitted"
	case AwaitingSecondFactor:
		return "AwaitingSecondFactor"
	case Authenticated:
		return "Authenticated"
	case Expired:
		return "Expired"
	}
	return "Unknown"
}

const (
	DefaultEndpoint        = "https://idmsa.apple.com/appleauth/auth"
	DefaultMaxCodeAttempts = 3
	DefaultPendingTTL      = 10 * time.Minute
	DefaultSessionTTL      = 30 * 24 * time.Hour
)

// Config configures an Authenticator. Zero fields take defaults.
type Config struct {
	Endpoint string
	Anisette AnisetteProvider
	Client   Transport
	Retry    retry.Policy

	// MaxCodeAttempts is how many wrong verification codes discard a
	// pending sign-in.
	MaxCodeAttempts int
	// PendingTTL bounds how long a sign-in waits for its code.
	PendingTTL time.Duration
	SessionTTL time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// AuthResult is the outcome of Login or SubmitSecondFactor.
type AuthResult struct {
	State State
	// SecondFactorRequired is set when a code was pushed to the account's
	// trusted devices. Pass SessionToken and the code to
	// SubmitSecondFactor.
	SecondFactorRequired bool
	SessionToken         string
	Session              *Session
}

// SecondFactorError carries the token of a sign-in that needs a code. It is
// the cause of ErrSecondFactorNeeded errors returned by Session.
type SecondFactorError struct {
	Token string
}

func (e *SecondFactorError) Error() string {
	return "verification code sent to trusted devices"
}

// Authenticator holds one Apple ID sign-in.
type Authenticator struct {
	endpoint    string
	anisette    AnisetteProvider
	client      Transport
	policy      retry.Policy
	maxAttempts int
	pendingTTL  time.Duration
	sessionTTL  time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	sf singleflight.Group

	mu       sync.Mutex
	state    State
	appleID  string
	password []byte
	session  *Session
	pending  map[string]*pendingAuth
}

// New returns a logged-out Authenticator.
func New(cfg Config) *Authenticator {
	a := &Authenticator{
		endpoint:    strings.TrimSuffix(cfg.Endpoint, "/"),
		anisette:    cfg.Anisette,
		client:      cfg.Client,
		policy:      cfg.Retry,
		maxAttempts: cfg.MaxCodeAttempts,
		pendingTTL:  cfg.PendingTTL,
		sessionTTL:  cfg.SessionTTL,
		log:         logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		pending:     make(map[string]*pendingAuth),
	}
	if a.endpoint == "" {
		a.endpoint = DefaultEndpoint
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 30 * time.Second}
	}
	if a.anisette == nil {
		a.anisette = &HTTPAnisette{Client: a.client, Logger: a.log, Metrics: a.metrics}
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxCodeAttempts
	}
	if a.pendingTTL <= 0 {
		a.pendingTTL = DefaultPendingTTL
	}
	if a.sessionTTL <= 0 {
		a.sessionTTL = DefaultSessionTTL
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// State reports the current authentication state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Login submits appleID and password. Concurrent logins for the same Apple
// ID share one sign-in.
func (a *Authenticator) Login(ctx context.Context, appleID, password string) (*AuthResult, error) {
	a.mu.Lock()
	a.state = CredentialsSubmitted
	a.appleID = appleID
	a.setPassword(password)
	a.mu.Unlock()

	v, err, shared := a.sf.Do(appleID, func() (interface{}, error) {
		return a.signIn(ctx, appleID, password)
	})
	if err != nil {
		a.mu.Lock()
		if a.state == CredentialsSubmitted {
			a.state = LoggedOut
		}
		a.mu.Unlock()
		return nil, err
	}
	if shared {
		logging.From(ctx, a.log).Debug("joined in-flight sign-in")
	}
	return v.(*AuthResult), nil
}

func (a *Authenticator) signIn(ctx context.Context, appleID, password string) (*AuthResult, error) {
	const op = "appleauth.login"
	log := logging.From(ctx, a.log)

	anisette, err := a.anisette.Fetch(ctx)
	if err != nil {
		return nil, a.unavailable(ctx, op, err)
	}
	p := &pendingAuth{appleID: appleID, anisette: anisette, createdAt: a.now()}

	var init *authResponse
	err = retry.Do(ctx, a.policy, log, "appleauth.signin_init", func() error {
		req, err := a.newRequest(ctx, http.MethodGet, "/signin", url.Values{"widgetKey": {widgetKey}}, nil, p)
		if err != nil {
			return retry.Permanent(err)
		}
		init, err = a.do(req)
		return err
	})
	if err != nil {
		return nil, a.unavailable(ctx, op, err)
	}
	p.updateTokens(init.header)

	body := map[string]interface{}{
		"accountName": appleID,
		"password":    password,
		"rememberMe":  true,
	}
	var resp *authResponse
	err = retry.Do(ctx, a.policy, log, "appleauth.signin", func() error {
		req, err := a.newRequest(ctx, http.MethodPost, "/signin", url.Values{"isRememberMeEnabled": {"true"}}, body, p)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err = a.do(req)
		return err
	})
	if err != nil {
		return nil, a.unavailable(ctx, op, err)
	}
	p.updateTokens(resp.header)

	switch resp.status {
	case http.StatusOK:
		s := a.newSession(p, resp.header, "password")
		a.mu.Lock()
		a.session = s
		a.state = Authenticated
		a.mu.Unlock()
		log.Info("signed in", zap.String("auth_type", s.AuthType))
		return &AuthResult{State: Authenticated, Session: s}, nil

	case http.StatusConflict:
		token := uuid.NewString()
		a.mu.Lock()
		a.pending[token] = p
		a.state = AwaitingSecondFactor
		a.mu.Unlock()
		a.requestCode(ctx, p)
		log.Info("two-factor authentication required")
		return &AuthResult{State: AwaitingSecondFactor, SecondFactorRequired: true, SessionToken: token}, nil

	case http.StatusUnauthorized:
		return nil, signerr.Ef(op, signerr.ErrInvalidCredentials, "%s", orDefault(resp.message, "sign-in rejected"))
	case http.StatusForbidden:
		return nil, signerr.Ef(op, signerr.ErrAccountLocked, "%s", orDefault(resp.message, "unlock the account at appleid.apple.com"))
	}
	return nil, signerr.Ef(op, signerr.ErrAuthServiceUnavailable, "unexpected sign-in response %d", resp.status)
}

// requestCode asks Apple to push a code to trusted devices. Apple usually
// does so on its own, so failures are only logged.
func (a *Authenticator) requestCode(ctx context.Context, p *pendingAuth) {
	log := logging.From(ctx, a.log)
	req, err := a.newRequest(ctx, http.MethodPut, "/verify/trusteddevice", nil, map[string]interface{}{}, p)
	if err != nil {
		return
	}
	resp, err := a.do(req)
	if err != nil {
		log.Warn("failed to request verification code", zap.Error(err))
		return
	}
	if resp.status >= 300 {
		log.Warn("verification code request rejected", zap.Int("status", resp.status))
	}
}

// SubmitSecondFactor completes a sign-in with the code shown on a trusted
// device.
func (a *Authenticator) SubmitSecondFactor(ctx context.Context, token, code string) (*AuthResult, error) {
	const op = "appleauth.second_factor"
	log := logging.From(ctx, a.log)

	code = strings.NewReplacer(" ", "", "-", "").Replace(code)
	if !isCode(code) {
		return nil, signerr.Ef(op, signerr.ErrInvalidCode, "verification code must be 6 digits")
	}

	a.mu.Lock()
	p, ok := a.pending[token]
	if ok && a.now().Sub(p.createdAt) > a.pendingTTL {
		a.dropPending(token)
		ok = false
	}
	a.mu.Unlock()
	if !ok {
		return nil, signerr.Ef(op, signerr.ErrSessionExpired, "no pending sign-in for this token")
	}

	body := map[string]interface{}{"securityCode": map[string]string{"code": code}}
	var resp *authResponse
	err := retry.Do(ctx, a.policy, log, "appleauth.securitycode", func() error {
		req, err := a.newRequest(ctx, http.MethodPost, "/verify/trusteddevice/securitycode", nil, body, p)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err = a.do(req)
		return err
	})
	if err != nil {
		return nil, a.unavailable(ctx, op, err)
	}

	a.mu.Lock()
	p.updateTokens(resp.header)
	a.mu.Unlock()

	switch resp.status {
	case http.StatusOK, http.StatusNoContent:
		a.trust(ctx, p)
		s := a.newSession(p, resp.header, "2fa")
		a.mu.Lock()
		delete(a.pending, token)
		a.session = s
		a.state = Authenticated
		a.mu.Unlock()
		log.Info("signed in", zap.String("auth_type", s.AuthType))
		return &AuthResult{State: Authenticated, Session: s}, nil

	case http.StatusUnauthorized:
		a.mu.Lock()
		p.attempts++
		left := a.maxAttempts - p.attempts
		if left <= 0 {
			a.dropPending(token)
		}
		a.mu.Unlock()
		if left <= 0 {
			log.Warn("too many wrong verification codes, sign-in discarded")
			return nil, signerr.Ef(op, signerr.ErrInvalidCode, "wrong code, sign in again")
		}
		return nil, signerr.Ef(op, signerr.ErrInvalidCode, "wrong code, %d attempts left", left)

	case http.StatusBadRequest:
		a.mu.Lock()
		a.dropPending(token)
		a.mu.Unlock()
		return nil, signerr.Ef(op, signerr.ErrSessionExpired, "%s", orDefault(resp.message, "code expired, sign in again"))
	}
	return nil, signerr.Ef(op, signerr.ErrAuthServiceUnavailable, "unexpected verification response %d", resp.status)
}

// trust marks the browser session as trusted so later sign-ins skip 2FA.
func (a *Authenticator) trust(ctx context.Context, p *pendingAuth) {
	req, err := a.newRequest(ctx, http.MethodGet, "/2sv/trust", nil, nil, p)
	if err != nil {
		return
	}
	if resp, err := a.do(req); err == nil {
		p.updateTokens(resp.header)
	}
}

// dropPending removes a pending sign-in. Callers hold a.mu.
func (a *Authenticator) dropPending(token string) {
	delete(a.pending, token)
	if len(a.pending) == 0 && a.state == AwaitingSecondFactor {
		a.state = LoggedOut
	}
}

// Session returns the live session. An expired session is renewed with the
// held credentials, which may require a new verification code; the returned
// ErrSecondFactorNeeded then wraps a *SecondFactorError with the token.
func (a *Authenticator) Session(ctx context.Context) (*Session, error) {
	const op = "appleauth.session"

	a.mu.Lock()
	s, state := a.session, a.state
	if state != Expired && s.Valid(a.now()) {
		a.mu.Unlock()
		return s, nil
	}
	if s == nil && state != Expired {
		a.mu.Unlock()
		if state == AwaitingSecondFactor {
			return nil, signerr.Ef(op, signerr.ErrSecondFactorNeeded, "sign-in is waiting for a verification code")
		}
		return nil, signerr.Ef(op, signerr.ErrNotAuthenticated, "sign in first")
	}

	a.session = nil
	a.state = Expired
	appleID, password := a.appleID, string(a.password)
	a.mu.Unlock()

	logging.From(ctx, a.log).Info("session expired, signing in again")
	if password == "" {
		return nil, signerr.Ef(op, signerr.ErrSessionExpired, "no credentials held")
	}
	res, err := a.Login(ctx, appleID, password)
	if err != nil {
		return nil, err
	}
	if res.SecondFactorRequired {
		return nil, signerr.E(op, signerr.ErrSecondFactorNeeded, &SecondFactorError{Token: res.SessionToken})
	}
	return res.Session, nil
}

// Invalidate reports that Apple rejected s. The Authenticator moves to
// Expired and the next Session call signs in again with the held
// credentials. Invalidating a session that was already replaced does
// nothing.
func (a *Authenticator) Invalidate(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == nil || a.session != s {
		return
	}
	a.session = nil
	a.state = Expired
	a.log.Info("session rejected by Apple", zap.String("apple_id", s.AppleID))
}

// Logout zeroes the held password and drops the session and any pending
// sign-ins.
func (a *Authenticator) Logout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setPassword("")
	a.session = nil
	a.pending = make(map[string]*pendingAuth)
	a.state = LoggedOut
}

// setPassword replaces the held password. Callers hold a.mu.
func (a *Authenticator) setPassword(pw string) {
	for i := range a.password {
		a.password[i] = 0
	}
	a.password = nil
	if pw != "" {
		a.password = []byte(pw)
	}
}

func (a *Authenticator) newSession(p *pendingAuth, h http.Header, authType string) *Session {
	now := a.now()
	return &Session{
		AppleID:   p.appleID,
		DSID:      h.Get("X-Apple-DS-ID"),
		Token:     h.Get("X-Apple-Session-Token"),
		SCNT:      p.scnt,
		SessionID: p.sessionID,
		AuthType:  authType,
		Anisette:  p.anisette,
		CreatedAt: now,
		ExpiresAt: now.Add(a.sessionTTL),
	}
}

// unavailable maps a transport failure to AuthServiceUnavailable. Context
// errors pass through.
func (a *Authenticator) unavailable(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}
	var se *signerr.Error
	if errors.As(err, &se) {
		return err
	}
	return signerr.E(op, signerr.ErrAuthServiceUnavailable, err)
}

func isCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
