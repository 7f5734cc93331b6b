package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/matthieugras/weconnect/internal/httpclient"
	"github.com/matthieugras/weconnect/internal/logging"
	"github.com/matthieugras/weconnect/internal/page"
)

const (
	// DefaultBaseAPI is the WeConnect backend that also serves the IdP discovery document.
	DefaultBaseAPI = "https://emea.bff.cariad.digital"

	// DefaultClientID is the WeConnect iOS app registration.
	DefaultClientID = "a24fba63-34b3-4d43-b181-942111e6bda8@apps_vw-dilab_com"

	// DefaultRedirectURI is the app's custom scheme callback.
	DefaultRedirectURI = "weconnect://authenticated"

	// DefaultScope is requested on the authorize call.
	DefaultScope = "openid profile badge cars dealers vin"

	// DefaultUserAgent is the app user agent the backend expects.
	DefaultUserAgent = "Volkswagen/2.20.0 iOS/17.1.1"

	// DefaultRefreshTokenTTL is the assumed refresh token shelf life when the
	// token endpoint does not report one.
	DefaultRefreshTokenTTL = 24 * time.Hour

	// EmailFormID is the id of the sign-in form on the authorize page.
	EmailFormID = "emailPasswordForm"

	browserAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.9"
	formEncoded   = "application/x-www-form-urlencoded"
)

var codePattern = regexp.MustCompile(`[?&]code=([^&#]*)`)

// SetSessionHeaders applies the app headers used for JSON endpoints.
func SetSessionHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-charset", "UTF-8")
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("tokentype", "IDK_TECHNICAL")
}

// SetAuthHeaders applies the browser headers used for the HTML sign-in pages.
// Accept-Encoding is left to the transport so responses are decompressed.
func SetAuthHeaders(req *http.Request) {
	req.Header.Set("Accept", browserAccept)
	req.Header.Set("User-Agent", DefaultUserAgent)
}

// LoginConfig configures the login handshake.
type LoginConfig struct {
	BaseAPI         string
	ClientID        string
	RedirectURI     string
	Scopes          []string
	MaxRedirects    int
	UseCookieJar    bool          // thread Set-Cookie state across the hops of one login
	RefreshTokenTTL time.Duration // fallback shelf life for refresh tokens
	DiscoveryTTL    time.Duration // how long a discovered ProviderConfig is reused; 0 refetches per login
}

// DefaultLoginConfig returns the WeConnect app settings.
func DefaultLoginConfig() LoginConfig {
	return LoginConfig{
		BaseAPI:         DefaultBaseAPI,
		ClientID:        DefaultClientID,
		RedirectURI:     DefaultRedirectURI,
		Scopes:          strings.Fields(DefaultScope),
		MaxRedirects:    DefaultMaxRedirects,
		UseCookieJar:    true,
		RefreshTokenTTL: DefaultRefreshTokenTTL,
	}
}

// LoginFlow runs the browser-emulating sign-in against the identity provider.
type LoginFlow struct {
	client *http.Client
	cfg    LoginConfig
	now    func() time.Time

	mu         sync.Mutex
	provider   *ProviderConfig
	providerAt time.Time
}

// NewLoginFlow creates a login flow. The client must not follow redirects.
func NewLoginFlow(client *http.Client, cfg LoginConfig) *LoginFlow {
	def := DefaultLoginConfig()
	if cfg.BaseAPI == "" {
		cfg.BaseAPI = def.BaseAPI
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = def.RedirectURI
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = def.Scopes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = def.RefreshTokenTTL
	}
	return &LoginFlow{client: client, cfg: cfg, now: time.Now}
}

// Login performs discovery, the email and password steps and the code exchange.
// Any failure is returned as a *LoginFailedError naming the step.
func (f *LoginFlow) Login(ctx context.Context, cred Credential) (*TokenRecord, error) {
	attempt := uuid.NewString()
	logging.Info("[%s] Starting login", attempt)

	walker, err := f.walker()
	if err != nil {
		return nil, err
	}

	provider, err := f.discover(ctx)
	if err != nil {
		return nil, &LoginFailedError{Step: StepDiscover, Err: err}
	}

	authorizePage, err := f.fetchAuthorizePage(ctx, walker, provider)
	if err != nil {
		return nil, &LoginFailedError{Step: StepFetchAuthorizePage, Err: err}
	}

	// A still valid IdP session can skip the credential pages entirely.
	callback := authorizePage
	var clientID string
	if !authorizePage.Callback {
		passwordPage, emailURL, err := f.submitEmail(ctx, walker, provider, authorizePage, cred)
		if err != nil {
			return nil, &LoginFailedError{Step: StepSubmitEmail, Err: err}
		}
		logging.Debug("[%s] Email accepted", attempt)

		callback, clientID, err = f.submitPassword(ctx, walker, provider, passwordPage, emailURL, cred)
		if err != nil {
			return nil, &LoginFailedError{Step: StepSubmitPassword, Err: err}
		}
		logging.Debug("[%s] Password accepted", attempt)
	}

	code, err := extractCode(callback)
	if err != nil {
		return nil, &LoginFailedError{Step: StepSubmitPassword, Err: err}
	}
	if clientID == "" {
		clientID = f.cfg.ClientID
	}

	record, err := f.exchangeCode(ctx, walker, provider, clientID, code)
	if err != nil {
		return nil, &LoginFailedError{Step: StepExchangeCode, Err: err}
	}

	logging.Info("[%s] Login succeeded, token valid until %s", attempt, record.ExpiresAt.Format(time.RFC3339))
	return record, nil
}

// Refresh trades a refresh token for a new record.
func (f *LoginFlow) Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	provider, err := f.discover(ctx)
	if err != nil {
		return nil, err
	}

	walker, err := f.walker()
	if err != nil {
		return nil, err
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", f.cfg.ClientID)

	return f.tokenRequest(ctx, walker, provider, data)
}

func (f *LoginFlow) walker() (*Walker, error) {
	client := f.client
	if f.cfg.UseCookieJar {
		jar, err := httpclient.NewCookieJar()
		if err != nil {
			return nil, err
		}
		client = httpclient.WithJar(f.client, jar)
	}
	return &Walker{Client: client, CallbackURI: f.cfg.RedirectURI, MaxRedirects: f.cfg.MaxRedirects}, nil
}

func (f *LoginFlow) discover(ctx context.Context) (*ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.provider != nil && f.cfg.DiscoveryTTL > 0 && f.now().Sub(f.providerAt) < f.cfg.DiscoveryTTL {
		return f.provider, nil
	}

	provider, err := Discover(ctx, f.client, f.cfg.BaseAPI)
	if err != nil {
		return nil, err
	}
	f.provider = provider
	f.providerAt = f.now()
	return provider, nil
}

func (f *LoginFlow) fetchAuthorizePage(ctx context.Context, walker *Walker, provider *ProviderConfig) (*Page, error) {
	oauthCfg := oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: f.cfg.RedirectURI,
		Scopes:      f.cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: provider.AuthorizationEndpoint, TokenURL: provider.TokenEndpoint},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, oauthCfg.AuthCodeURL(""), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorize request: %w", err)
	}
	SetAuthHeaders(req)

	return walker.Follow(req)
}

func (f *LoginFlow) submitEmail(ctx context.Context, walker *Walker, provider *ProviderConfig, authorizePage *Page, cred Credential) (*Page, string, error) {
	form, err := page.ExtractForm(authorizePage.Body, EmailFormID)
	if err != nil {
		return nil, "", err
	}
	if !form.Fields.Set("email", cred.Username) {
		return nil, "", &EmailFieldNotFoundError{FormID: EmailFormID}
	}

	emailURL := joinURL(provider.Issuer, form.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, emailURL, strings.NewReader(form.Fields.Encode()))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create email request: %w", err)
	}
	SetAuthHeaders(req)
	req.Header.Set("Content-Type", formEncoded)
	req.Header.Set("Referer", provider.AuthorizationEndpoint)
	req.Header.Set("Origin", provider.Issuer)

	result, err := walker.Follow(req)
	if err != nil {
		return nil, "", err
	}
	if result.Callback {
		return nil, "", errors.New("identity provider returned to the app before the password step")
	}
	return result, emailURL, nil
}

// submitPassword posts the password form and returns the callback page along
// with the client id announced by the sign-in page.
func (f *LoginFlow) submitPassword(ctx context.Context, walker *Walker, provider *ProviderConfig, passwordPage *Page, referer string, cred Credential) (*Page, string, error) {
	vars, err := page.ExtractScriptVars(passwordPage.Body)
	if err != nil {
		return nil, "", err
	}
	if err := vars.Validate(); err != nil {
		return nil, "", err
	}

	fields := page.Fields{
		{Name: "relayState", Value: vars.RelayState},
		{Name: "hmac", Value: vars.HMAC},
		{Name: "email", Value: vars.Email},
		{Name: "_csrf", Value: vars.CSRFToken},
		{Name: "password", Value: cred.Password},
	}

	target := strings.TrimRight(provider.Issuer, "/") + "/signin-service/v1/" + vars.ClientID + "/" + vars.PostAction
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(fields.Encode()))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create password request: %w", err)
	}
	SetAuthHeaders(req)
	req.Header.Set("Content-Type", formEncoded)
	req.Header.Set("Referer", referer)

	result, err := walker.Follow(req)
	if err != nil {
		return nil, "", err
	}
	return result, vars.ClientID, nil
}

func (f *LoginFlow) exchangeCode(ctx context.Context, walker *Walker, provider *ProviderConfig, clientID, code string) (*TokenRecord, error) {
	data := url.Values{}
	data.Set("client_id", clientID)
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", f.cfg.RedirectURI)

	return f.tokenRequest(ctx, walker, provider, data)
}

func (f *LoginFlow) tokenRequest(ctx context.Context, walker *Walker, provider *ProviderConfig, data url.Values) (*TokenRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	SetSessionHeaders(req)
	req.Header.Set("Content-Type", formEncoded)

	result, err := walker.Follow(req)
	if err != nil {
		var statusErr *UnexpectedStatusError
		if errors.As(err, &statusErr) {
			if tokenErr := parseTokenError(statusErr.Body, statusErr.StatusCode); tokenErr != nil {
				return nil, tokenErr
			}
		}
		return nil, err
	}
	if result.Callback {
		return nil, errors.New("token endpoint redirected to the app callback")
	}

	return parseTokenResponse(result.Body, f.now(), f.cfg.RefreshTokenTTL)
}

// extractCode pulls the authorization code out of the callback location.
func extractCode(p *Page) (string, error) {
	if p == nil || !p.Callback {
		return "", ErrAuthorizationCodeMissing
	}
	m := codePattern.FindStringSubmatch(p.Body)
	if m == nil || m[1] == "" {
		return "", ErrAuthorizationCodeMissing
	}
	code, err := url.QueryUnescape(m[1])
	if err != nil {
		return m[1], nil
	}
	return code, nil
}

// joinURL appends a form action to the issuer. Absolute actions are used as is.
func joinURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}
