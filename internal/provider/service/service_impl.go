package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veriline/veriline/internal/cache"
	"github.com/veriline/veriline/internal/config"
	"github.com/veriline/veriline/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log *zap.Logger
	Cfg config.Config
}

// Service talks to the upstream number provider over its JSON API.
type Service struct {
	log          *zap.Logger
	baseURL      string
	apiKey       string
	callTimeout  time.Duration
	balanceTTL   time.Duration
	client       *http.Client
	balanceCache cache.Cache[string, int64]
}

func New(p Params) domain.Gateway {
	callTimeout := p.Cfg.Provider.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 4 * time.Second
	}
	return &Service{
		log:          p.Log.Named("provider.service"),
		baseURL:      strings.TrimRight(p.Cfg.Provider.BaseURL, "/"),
		apiKey:       p.Cfg.Provider.APIKey,
		callTimeout:  callTimeout,
		balanceTTL:   p.Cfg.Provider.BalanceTTL,
		client:       &http.Client{Timeout: callTimeout},
		balanceCache: cache.NewTTLCache[string, int64](),
	}
}

type buyNumberResponse struct {
	PhoneNumber  string `json:"phone_number"`
	ActivationID string `json:"activation_id"`
	CostCents    int64  `json:"cost_cents"`
}

type codeResponse struct {
	Status string `json:"status"`
	Code   string `json:"code"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type balanceResponse struct {
	BalanceCents int64 `json:"balance_cents"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) BuyNumber(ctx context.Context, country, service string) (domain.PurchasedNumber, error) {
	values := url.Values{}
	values.Set("country", country)
	values.Set("service", service)

	var resp buyNumberResponse
	if err := s.doRequest(ctx, http.MethodPost, "/v1/numbers", values, &resp); err != nil {
		return domain.PurchasedNumber{}, err
	}
	if resp.ActivationID == "" || resp.PhoneNumber == "" {
		return domain.PurchasedNumber{}, domain.NewError(domain.KindRejected, "buy_number", errors.New("empty_allocation"))
	}
	return domain.PurchasedNumber{
		PhoneNumber:  resp.PhoneNumber,
		ActivationID: resp.ActivationID,
		Cost:         resp.CostCents,
	}, nil
}

func (s *Service) GetCode(ctx context.Context, activationID string) (string, error) {
	var resp codeResponse
	if err := s.doRequest(ctx, http.MethodGet, "/v1/activations/"+url.PathEscape(activationID)+"/code", nil, &resp); err != nil {
		return "", err
	}
	switch strings.ToLower(resp.Status) {
	case "ok":
		if resp.Code == "" {
			return "", domain.NewError(domain.KindRejected, "get_code", errors.New("empty_code"))
		}
		return resp.Code, nil
	case "waiting":
		return "", domain.ErrNoCode
	default:
		return "", domain.NewError(domain.KindRejected, "get_code", fmt.Errorf("status %q", resp.Status))
	}
}

func (s *Service) Cancel(ctx context.Context, activationID string) (bool, error) {
	var resp cancelResponse
	if err := s.doRequest(ctx, http.MethodPost, "/v1/activations/"+url.PathEscape(activationID)+"/cancel", nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (s *Service) GetBalance(ctx context.Context) (int64, error) {
	if cached, ok := s.balanceCache.Get("balance"); ok {
		return cached, nil
	}

	var resp balanceResponse
	if err := s.doRequest(ctx, http.MethodGet, "/v1/balance", nil, &resp); err != nil {
		return 0, err
	}
	s.balanceCache.Set("balance", resp.BalanceCents, s.balanceTTL)
	return resp.BalanceCents, nil
}

func (s *Service) doRequest(ctx context.Context, method, path string, values url.Values, out any) error {
	op := method + " " + path
	if strings.TrimSpace(s.apiKey) == "" {
		return domain.NewError(domain.KindRejected, op, errors.New("missing_api_key"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return domain.NewError(domain.KindRejected, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.NewError(classifyTransportError(err), op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewError(domain.KindConnection, op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return domain.NewError(domain.KindRejected, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode >= 500:
		return domain.NewError(domain.KindConnection, op, fmt.Errorf("status %d", resp.StatusCode))
	default:
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return domain.NewError(domain.KindRejected, op, errors.New(apiErr.Error))
	}
}

func classifyTransportError(err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return domain.KindTimeout
	}
	return domain.KindConnection
}
