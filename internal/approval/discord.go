package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultDiscordBaseURL задаёт адрес REST API Discord.
const DefaultDiscordBaseURL = "https://discord.com/api/v10"

// ApproveEmoji задаёт реакцию, которой проверяющий подтверждает транзакцию.
const ApproveEmoji = "✅"

const embedColorRed = 0xED4245

// ErrNotConfigured возвращается, если не задан токен бота или канал проверки.
var ErrNotConfigured = errors.New("review channel is not configured")

// DiscordConfig содержит параметры доступа к каналу проверки.
type DiscordConfig struct {
	BaseURL   string
	BotToken  string
	ChannelID string
	Timeout   time.Duration
}

// DiscordNotifier публикует сводку транзакции в текстовый канал Discord
// и ставит под сообщением реакцию для подтверждения.
type DiscordNotifier struct {
	baseURL   string
	botToken  string
	channelID string
	client    *retryablehttp.Client

	// postClient не повторяет запрос, если Discord мог его уже принять.
	postClient *retryablehttp.Client
}

type embedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type embed struct {
	Author      *embedAuthor `json:"author,omitempty"`
	Description string       `json:"description"`
	Fields      []embedField `json:"fields"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type createMessageRequest struct {
	Embeds []embed `json:"embeds"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// NewDiscordNotifier создаёт клиент канала проверки. Реакция повторяется
// при ответах 429 и 5xx с учётом Retry-After, публикация сообщения только
// при 429 и ошибке соединения.
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultDiscordBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 3
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil

	postClient := retryablehttp.NewClient()
	postClient.HTTPClient = client.HTTPClient
	postClient.RetryMax = client.RetryMax
	postClient.RetryWaitMin = client.RetryWaitMin
	postClient.RetryWaitMax = client.RetryWaitMax
	postClient.CheckRetry = retryUnsent
	postClient.Logger = nil

	return &DiscordNotifier{
		baseURL:    base,
		botToken:   cfg.BotToken,
		channelID:  cfg.ChannelID,
		client:     client,
		postClient: postClient,
	}
}

// retryUnsent разрешает повтор, только если сервер точно не создал сообщение:
// ответ 429 или отказ в установке соединения.
func retryUnsent(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var opErr *net.OpError
		return errors.As(err, &opErr) && opErr.Op == "dial", nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// Notify публикует сводку и добавляет реакцию подтверждения. Возвращает идентификатор
// сообщения; он заполнен и в том случае, когда сообщение доставлено, а реакция нет.
func (n *DiscordNotifier) Notify(ctx context.Context, s Summary) (string, error) {
	if n.botToken == "" || n.channelID == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(createMessageRequest{Embeds: []embed{renderEmbed(s)}})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages", n.baseURL, url.PathEscape(n.channelID))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	n.authorize(req)

	resp, err := n.postClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("send message: unexpected status %d", resp.StatusCode)
	}

	var msg messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return "", errors.New("send message: response without message id")
	}

	if err := n.react(ctx, msg.ID); err != nil {
		return msg.ID, err
	}
	return msg.ID, nil
}

func (n *DiscordNotifier) react(ctx context.Context, messageID string) error {
	endpoint := fmt.Sprintf("%s/channels/%s/messages/%s/reactions/%s/@me",
		n.baseURL, url.PathEscape(n.channelID), url.PathEscape(messageID), url.PathEscape(ApproveEmoji))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create reaction request: %w", err)
	}
	n.authorize(req)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("add reaction: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (n *DiscordNotifier) authorize(req *retryablehttp.Request) {
	req.Header.Set("Authorization", "Bot "+n.botToken)
}

func renderEmbed(s Summary) embed {
	created := s.CreatedAt.UTC().Format(time.RFC3339)
	return embed{
		Author: &embedAuthor{
			Name:    s.UserName,
			IconURL: s.AvatarURL,
		},
		Description: "A new payment is pending your approval " + ApproveEmoji,
		Fields: []embedField{
			{Name: "Transaction ID", Value: s.TransactionID},
			{Name: "User ID", Value: s.UserID},
			{Name: "User email", Value: s.ContactEmail},
			{Name: "User points", Value: strconv.FormatInt(s.BalanceBefore, 10)},
			{Name: "Product", Value: s.ProductName},
			{Name: "Product price", Value: s.MonetaryPrice.StringFixed(2)},
			{Name: "Points paid by the user", Value: strconv.FormatInt(s.PointsSpent, 10)},
			{Name: "Creation Date", Value: created},
			{Name: "Status", Value: statusLabel(s.Status)},
		},
		Color:     embedColorRed,
		Timestamp: created,
	}
}
