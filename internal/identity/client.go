// Package identity предоставляет клиент внешнего провайдера идентификации (Discord OAuth2).
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/mmeshcher/pointshop/internal/model"
)

// DefaultBaseURL задаёт адрес API провайдера по умолчанию.
const DefaultBaseURL = "https://discord.com/api"

const cdnURL = "https://cdn.discordapp.com/"

var (
	// ErrInvalidCode возвращается, если провайдер отклонил код авторизации
	// или не выдал пригодный токен доступа.
	ErrInvalidCode = errors.New("invalid authorization code")
	// ErrProviderUnavailable возвращается при сетевых и протокольных ошибках провайдера.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// Config содержит параметры OAuth2-приложения.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Timeout      time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с провайдером идентификации.
type Client struct {
	baseURL     string
	oauth       oauth2.Config
	httpClient  *http.Client
	profileHTTP *retryablehttp.Client
}

type userResponse struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name"`
	Avatar        string `json:"avatar"`
	Discriminator string `json:"discriminator"`
}

// NewClient создаёт клиент провайдера идентификации.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}

	profileHTTP := retryablehttp.NewClient()
	profileHTTP.HTTPClient = &http.Client{Timeout: timeout}
	profileHTTP.RetryMax = 2
	profileHTTP.RetryWaitMin = 100 * time.Millisecond
	profileHTTP.RetryWaitMax = time.Second
	profileHTTP.Logger = nil

	return &Client{
		baseURL: base,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient:  httpClient,
		profileHTTP: profileHTTP,
	}
}

// ExchangeCode обменивает одноразовый код авторизации на профиль пользователя.
// Пустой redirectURI означает адрес из конфигурации.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Identity, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCode
	}

	cfg := c.oauth
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	// Токен запрашивается без повторов: код одноразовый.
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, classifyExchangeError(ctx, err)
	}
	if token.AccessToken == "" {
		return nil, ErrInvalidCode
	}

	return c.fetchProfile(ctx, token.AccessToken)
}

func classifyExchangeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		switch {
		case status == http.StatusUnauthorized || retrieveErr.ErrorCode == "invalid_client":
			// Код здесь ни при чём: провайдер не принял client_id или client_secret.
			return fmt.Errorf("%w: client credentials rejected: %s", ErrProviderUnavailable, retrieveErr.ErrorCode)
		case status == http.StatusTooManyRequests:
			return fmt.Errorf("%w: token endpoint rate limited", ErrProviderUnavailable)
		case status >= 400 && status < 500:
			return fmt.Errorf("%w: %s", ErrInvalidCode, retrieveErr.ErrorCode)
		}
		// 2xx с полем error в теле: провайдер отклонил код.
		if retrieveErr.ErrorCode != "" && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 300 {
			return fmt.Errorf("%w: %s", ErrInvalidCode, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	// oauth2 не оборачивает эту ошибку, поэтому остаётся сравнение по тексту.
	if strings.Contains(err.Error(), "missing access_token") {
		return ErrInvalidCode
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func (c *Client) fetchProfile(ctx context.Context, accessToken string) (*model.Identity, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.profileHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch profile: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidCode
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected profile status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var u userResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %v", ErrProviderUnavailable, err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("%w: profile without id", ErrProviderUnavailable)
	}

	name := u.GlobalName
	if name == "" {
		name = u.Username
	}

	return &model.Identity{
		ID:          u.ID,
		DisplayName: name,
		AvatarURL:   avatarURL(u),
	}, nil
}

func avatarURL(u userResponse) string {
	if u.Avatar != "" {
		return fmt.Sprintf("%savatars/%s/%s.webp", cdnURL, u.ID, u.Avatar)
	}
	d, _ := strconv.Atoi(u.Discriminator)
	return fmt.Sprintf("%sembed/avatars/%d.png", cdnURL, d%5)
}
