package storeclient

/*
Файл client.go — HTTP-клиент к Entity Store (Console API).

Контракт:
  GET  /v1/<collection>/<id>         → сущность со статусом и revisionNotes
  POST /v1/<collection>/<id>/status  {status, revisionNotes?} → обновлённая сущность
  не-2xx ответ может содержать {message}, отдаём его вызывающему как есть.

Сессия (cookie) хранится в cookie jar, дополнительно поддерживается Bearer-токен.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/sdu-review-console/internal/domain"
	"go.uber.org/zap"
)

const apiPrefix = "/v1"

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// FetchAttempts попытки для идемпотентных GET.
	FetchAttempts uint
	// SubmitAttempts попытки для POST статуса. 1: без автоматических повторов.
	SubmitAttempts uint

	Reliability ReliabilitySettings
}

type Client struct {
	base           string
	token          string
	http           *http.Client
	reliability    *ReliabilityWrapper
	fetchAttempts  uint
	submitAttempts uint
	logger         *zap.Logger

	// searches свой LatestFetcher на каждую коллекцию: поиск по ростерам не отменяет поиск по документам
	searchMu sync.Mutex
	searches map[domain.Kind]*LatestFetcher[[]*domain.ReviewableEntity]
}

// ListFilter фильтры списка: ?status=pending&q=...
type ListFilter struct {
	Status string
	Query  string
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("storeclient: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.SubmitAttempts == 0 {
		cfg.SubmitAttempts = 1
	}
	if cfg.Reliability == (ReliabilitySettings{}) {
		cfg.Reliability = DefaultReliabilitySettings()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("storeclient: cookie jar: %w", err)
	}

	return &Client{
		base:           u.String(),
		token:          cfg.Token,
		http:           &http.Client{Timeout: cfg.Timeout, Jar: jar},
		reliability:    NewReliabilityWrapper("entity-store", cfg.Reliability),
		fetchAttempts:  cfg.FetchAttempts,
		submitAttempts: cfg.SubmitAttempts,
		logger:         logger.Named("storeclient"),
		searches:       make(map[domain.Kind]*LatestFetcher[[]*domain.ReviewableEntity]),
	}, nil
}

// SetToken подставляет токен после логина.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Login получает JWT по логину/паролю и запоминает его.
func (c *Client) Login(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	var resp domain.TokenResponse
	in := domain.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/token", in, &resp, 1); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	return &resp, nil
}

func entityPath(kind domain.Kind, id string) string {
	return apiPrefix + "/" + kind.Collection() + "/" + url.PathEscape(id)
}

func (c *Client) Get(ctx context.Context, kind domain.Kind, id string) (*domain.ReviewableEntity, error) {
	var e domain.ReviewableEntity
	if err := c.do(ctx, http.MethodGet, entityPath(kind, id), nil, &e, c.fetchAttempts); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) List(ctx context.Context, kind domain.Kind, f ListFilter) ([]*domain.ReviewableEntity, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	path := apiPrefix + "/" + kind.Collection()
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	list := make([]*domain.ReviewableEntity, 0)
	if err := c.do(ctx, http.MethodGet, path, nil, &list, c.fetchAttempts); err != nil {
		return nil, err
	}
	return list, nil
}

// Search как List, но новый вызов по той же коллекции отменяет предыдущий
// незавершённый (поиск по мере ввода).
func (c *Client) Search(ctx context.Context, kind domain.Kind, f ListFilter) ([]*domain.ReviewableEntity, error) {
	return c.searchFetcher(kind).Fetch(ctx, func(ctx context.Context) ([]*domain.ReviewableEntity, error) {
		return c.List(ctx, kind, f)
	})
}

func (c *Client) searchFetcher(kind domain.Kind) *LatestFetcher[[]*domain.ReviewableEntity] {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()

	f, ok := c.searches[kind]
	if !ok {
		f = &LatestFetcher[[]*domain.ReviewableEntity]{}
		c.searches[kind] = f
	}
	return f
}

func (c *Client) History(ctx context.Context, kind domain.Kind, id string) ([]domain.HistoryEntry, error) {
	history := make([]domain.HistoryEntry, 0)
	if err := c.do(ctx, http.MethodGet, entityPath(kind, id)+"/history", nil, &history, c.fetchAttempts); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *Client) Dashboard(ctx context.Context) (*domain.ReviewDashboard, error) {
	var d domain.ReviewDashboard
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/dashboard/stats", nil, &d, c.fetchAttempts); err != nil {
		return nil, err
	}
	return &d, nil
}

// SubmitStatus один POST перехода. Повторы только если явно настроены (SubmitAttempts > 1).
func (c *Client) SubmitStatus(ctx context.Context, kind domain.Kind, id string, upd domain.StatusUpdate) (*domain.ReviewableEntity, error) {
	var e domain.ReviewableEntity
	if err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/status", upd, &e, c.submitAttempts); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, attempts uint) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("storeclient: encode request: %w", err)
		}
	}

	return c.reliability.Do(ctx, attempts, func(ctx context.Context) error {
		var body *bytes.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := newRequest(ctx, method, c.base+path, body)
		if err != nil {
			return fmt.Errorf("storeclient: build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("storeclient: %s %s: %w: %w", method, path, ErrTimeout, err)
			}
			return fmt.Errorf("storeclient: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := decodeAPIError(resp)
			c.logger.Debug("entity store error response",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.String("message", apiErr.Message))
			if resp.StatusCode == http.StatusTooManyRequests {
				if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
					return &ThrottleError{RetryAfter: after, Cause: apiErr}
				}
			}
			return apiErr
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("storeclient: decode %s %s: %w", method, path, err)
		}
		return nil
	})
}

// newRequest nil *bytes.Reader нельзя передавать как io.Reader: получится не-nil интерфейс.
func newRequest(ctx context.Context, method, url string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, url, nil)
	}
	return http.NewRequestWithContext(ctx, method, url, body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
