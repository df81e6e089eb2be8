package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lissto-dev/docker-cache/pkg/config"
)

// ACRUsername is the fixed user name ACR expects with an exchanged refresh token
const ACRUsername = "00000000-0000-0000-0000-000000000000"

// ARMScope is the Azure Resource Manager scope the exchanged token is issued for
const ARMScope = "https://management.core.windows.net/.default"

var acrRegistryNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{5,50}$`)

// ARMTokenProvider issues Azure AD access tokens
type ARMTokenProvider interface {
	GetToken(ctx context.Context, scope string) (string, error)
}

// RegistryTokenExchanger trades an AAD token for an ACR refresh token
type RegistryTokenExchanger interface {
	Exchange(ctx context.Context, loginServer, armToken string) (string, error)
}

// azureTokenProvider uses the DefaultAzureCredential chain (environment,
// workload identity, managed identity, az CLI)
type azureTokenProvider struct {
	once sync.Once
	cred azcore.TokenCredential
	err  error
}

// NewDefaultAzureTokenProvider creates a token provider over DefaultAzureCredential.
// The credential is created on first use.
func NewDefaultAzureTokenProvider() ARMTokenProvider {
	return &azureTokenProvider{}
}

func (a *azureTokenProvider) GetToken(ctx context.Context, scope string) (string, error) {
	a.once.Do(func() {
		a.cred, a.err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{})
	})
	if a.err != nil {
		return "", a.err
	}
	token, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return "", err
	}
	return token.Token, nil
}

// ACR is the Azure Container Registry adapter. Repositories are created
// implicitly on first push.
type ACR struct {
	deps Deps
}

// Name implements Provider
func (p *ACR) Name() string { return config.ProviderACR }

// ValidateParams implements Provider
func (p *ACR) ValidateParams(cfg *config.CacheConfig) error {
	_, err := p.loginServer(cfg.ACR)
	return err
}

// loginServer validates the registry name and returns the registry host,
// honouring a login-server override
func (p *ACR) loginServer(params config.ACRConfig) (string, error) {
	if params.RegistryName == "" {
		return "", invalidParam(p.Name(), "registry-name", "is required")
	}
	if !acrRegistryNamePattern.MatchString(params.RegistryName) {
		return "", invalidParam(p.Name(), "registry-name", "%q must be 5-50 alphanumeric characters", params.RegistryName)
	}
	if params.LoginServer == "" {
		return strings.ToLower(params.RegistryName) + ".azurecr.io", nil
	}

	host, path, err := ParseRegistryURL(params.LoginServer)
	if err != nil {
		return "", invalidParam(p.Name(), "login-server", "%v", err)
	}
	if len(path) > 0 {
		return "", invalidParam(p.Name(), "login-server", "%q must be a host without a path", params.LoginServer)
	}
	return host, nil
}

// Setup exchanges an AAD token for a registry refresh token and logs docker in
func (p *ACR) Setup(ctx context.Context, cfg *config.CacheConfig) (*Identity, error) {
	loginServer, err := p.loginServer(cfg.ACR)
	if err != nil {
		return nil, err
	}

	if p.deps.AzureToken == nil || p.deps.ACRExchanger == nil {
		return nil, authFailed(p.Name(), errors.New("no Azure token provider configured"), "")
	}
	armToken, err := p.deps.AzureToken.GetToken(ctx, ARMScope)
	if err != nil {
		return nil, authFailed(p.Name(), err, "configure an Azure identity (az login, workload or managed identity)")
	}
	refreshToken, err := p.deps.ACRExchanger.Exchange(ctx, loginServer, armToken)
	if err != nil {
		return nil, authFailed(p.Name(), err, "the identity needs the AcrPush role on the registry")
	}

	if expiry, err := tokenExpiry(refreshToken); err == nil {
		p.deps.Logger.Debug("Obtained ACR refresh token",
			zap.String("registry", loginServer),
			zap.Time("expires_at", expiry))
	}

	id := &Identity{
		Registry: loginServer,
		Username: ACRUsername,
		Token:    refreshToken,
	}
	if err := login(ctx, p.deps, p.Name(), id.Registry, id.Username, id.Token); err != nil {
		return nil, err
	}
	return id, nil
}

// ImageReference implements Provider
func (p *ACR) ImageReference(cfg *config.CacheConfig, id *Identity, tag string) string {
	return imageReference(cfg, id, tag)
}

// FallbackTag implements Provider
func (p *ACR) FallbackTag(*config.CacheConfig) string { return DefaultFallbackTag }

// EnsureRepository is a no-op, ACR creates repositories on push
func (p *ACR) EnsureRepository(context.Context, *config.CacheConfig, *Identity) error {
	return nil
}

// HTTPExchanger implements the ACR challenge and /oauth2/exchange flow
type HTTPExchanger struct {
	client *http.Client
	scheme string
}

// NewHTTPExchanger creates an exchanger talking HTTPS to the registry
func NewHTTPExchanger(client *http.Client) *HTTPExchanger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExchanger{client: client, scheme: "https"}
}

// WithScheme overrides the registry URL scheme, for plain-HTTP test servers
func (e *HTTPExchanger) WithScheme(scheme string) *HTTPExchanger {
	e.scheme = scheme
	return e
}

// Exchange implements RegistryTokenExchanger
func (e *HTTPExchanger) Exchange(ctx context.Context, loginServer, armToken string) (string, error) {
	params, err := e.challenge(ctx, loginServer)
	if err != nil {
		return "", fmt.Errorf("failed to challenge Azure Container Registry: %w", err)
	}

	realm, err := url.Parse(params["realm"])
	if err != nil {
		return "", fmt.Errorf("invalid realm %q in challenge: %w", params["realm"], err)
	}
	realm.Path = "/oauth2/exchange"
	realm.RawQuery = ""

	form := url.Values{}
	form.Add("grant_type", "access_token")
	form.Add("service", params["service"])
	form.Add("access_token", armToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realm.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("unable to connect to registry: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get refresh token: %s", resp.Status)
	}

	var res struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("failed to unmarshal token exchange response: %w", err)
	}
	if res.RefreshToken == "" {
		return "", errors.New("token exchange response contained no refresh token")
	}
	return res.RefreshToken, nil
}

// challenge fetches the bearer parameters from the registry's /v2/ endpoint
func (e *HTTPExchanger) challenge(ctx context.Context, loginServer string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s://%s/v2/", e.scheme, loginServer), http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to registry: %w", err)
	}
	defer resp.Body.Close()

	header := resp.Header.Get("Www-Authenticate")
	if resp.StatusCode != http.StatusUnauthorized || header == "" {
		return nil, fmt.Errorf("registry %q did not issue a challenge", loginServer)
	}
	return parseBearerChallenge(header)
}

// parseBearerChallenge parses `Bearer realm="...",service="..."`
func parseBearerChallenge(header string) (map[string]string, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "bearer") {
		return nil, fmt.Errorf("registry does not allow 'Bearer' authentication, got %q", scheme)
	}

	params := make(map[string]string)
	for _, pair := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(k)] = strings.Trim(v, `"`)
	}
	if params["realm"] == "" {
		return nil, errors.New("realm parameter not found in challenge")
	}
	if params["service"] == "" {
		return nil, errors.New("service parameter not found in challenge")
	}
	return params, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("'exp' claim is missing")
	}
	return exp.Time, nil
}
