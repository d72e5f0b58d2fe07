package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	openId "github.com/coreos/go-oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// TokenProvider hands out bearer tokens for a scope. Failures are *collectorerrors.ErrAuthentication and are fatal
// for whatever needed the token.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

// StaticTokenProvider returns the same token for every scope. Useful for local runs with a token obtained
// elsewhere.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(_ context.Context, scope string) (string, error) {
	if p.token == "" {
		return "", &collectorerrors.ErrAuthentication{Resource: scope, Message: "no static token configured"}
	}
	return p.token, nil
}

type ClientCredentialsDetails struct {
	TenantId     string
	ClientId     string
	ClientSecret string
	// Token endpoint. Derived from ProviderUrl or TenantId when empty.
	TokenUrl string
	// OIDC issuer used to discover the token endpoint.
	ProviderUrl string
}

const entraTokenUrlTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

// ClientCredentialsProvider obtains tokens with the OAuth2 client credentials grant. Tokens are cached per scope
// until shortly before expiry. Refreshes run on the caller's context.
type ClientCredentialsProvider struct {
	config     clientcredentials.Config
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func NewClientCredentialsProvider(ctx context.Context, details ClientCredentialsDetails, httpClient *http.Client) (*ClientCredentialsProvider, error) {
	if details.ClientId == "" || details.ClientSecret == "" {
		return nil, &collectorerrors.ErrInvalidArgument{
			Name:    "auth.clientId",
			Value:   details.ClientId,
			Message: "client id and client secret are required",
		}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	tokenUrl := details.TokenUrl
	switch {
	case tokenUrl != "":
	case details.ProviderUrl != "":
		provider, err := openId.NewProvider(oidcContext(ctx, httpClient), details.ProviderUrl)
		if err != nil {
			return nil, &collectorerrors.ErrAuthentication{
				Resource: details.ProviderUrl,
				Message:  fmt.Sprintf("discovering token endpoint: %s", err),
			}
		}
		tokenUrl = provider.Endpoint().TokenURL
	case details.TenantId != "":
		tokenUrl = fmt.Sprintf(entraTokenUrlTemplate, details.TenantId)
	default:
		return nil, &collectorerrors.ErrInvalidArgument{
			Name:    "auth.tenantId",
			Message: "one of tokenUrl, providerUrl or tenantId is required",
		}
	}

	return &ClientCredentialsProvider{
		config: clientcredentials.Config{
			ClientID:     details.ClientId,
			ClientSecret: details.ClientSecret,
			TokenURL:     tokenUrl,
		},
		httpClient: httpClient,
		tokens:     map[string]*oauth2.Token{},
	}, nil
}

func (p *ClientCredentialsProvider) Token(ctx context.Context, scope string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if token, ok := p.cached(scope); ok {
		return token.AccessToken, nil
	}

	config := p.config
	config.Scopes = []string{scope}
	token, err := config.Token(oidcContext(ctx, p.httpClient))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", authenticationError(scope, err)
	}
	if token.AccessToken == "" {
		return "", &collectorerrors.ErrAuthentication{Resource: scope, Message: "token endpoint returned an empty access token"}
	}

	p.mu.Lock()
	p.tokens[scope] = token
	p.mu.Unlock()
	return token.AccessToken, nil
}

func (p *ClientCredentialsProvider) cached(scope string) (*oauth2.Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.tokens[scope]
	if !ok || !token.Valid() {
		return nil, false
	}
	return token, true
}

func oidcContext(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func authenticationError(scope string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &collectorerrors.ErrAuthentication{
			Resource: scope,
			Message:  fmt.Sprintf("token endpoint returned %d: %s", retrieveErr.Response.StatusCode, strings.TrimSpace(string(retrieveErr.Body))),
		}
	}
	return &collectorerrors.ErrAuthentication{Resource: scope, Message: err.Error()}
}
