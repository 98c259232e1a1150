package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/ratelimit"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE CLIENT - Validated, rate-limited, retrying venue access
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every network call goes through the rate limiter, then a bounded
// exponential-backoff retry. Transport errors never reach the caller
// raw. If credentials are missing, or the first authenticated call
// fails outright, the client drops into paper mode for the rest of
// the process lifetime and keeps producing plausible fills.
//
// ═══════════════════════════════════════════════════════════════════════════════

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{2,10}$`)

const errDetailMax = 160 // never log full payloads

// HealthSink receives one record per venue call (successful or not).
// Implementations must never block the caller on failure.
type HealthSink interface {
	RecordHealth(op string, attempts int, outcome, detail string)
}

// Options configures the client.
type Options struct {
	BaseURL          string
	APIKey           string
	APISecret        string
	MaxRetries       int
	BaseDelay        time.Duration
	Multiplier       float64
	MaxOpenPositions int
	Limiter          *ratelimit.Limiter
	Health           HealthSink
}

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client

	limiter    *ratelimit.Limiter
	health     HealthSink
	maxRetries int
	baseDelay  time.Duration
	multiplier float64
	maxOpen    int

	mu          sync.Mutex
	paper       bool
	everReached bool // at least one live call succeeded
	paperBook   map[string]*types.RemotePosition
	paperSeq    int64
}

// NewClient creates an exchange client. Missing credentials put it
// straight into paper mode.
func NewClient(opts Options) *Client {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2.0
	}
	if opts.MaxOpenPositions < 1 {
		opts.MaxOpenPositions = 50
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(60, time.Minute)
	}

	c := &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    opts.Limiter,
		health:     opts.Health,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		multiplier: opts.Multiplier,
		maxOpen:    opts.MaxOpenPositions,
		paperBook:  make(map[string]*types.RemotePosition),
	}

	if c.apiKey == "" || c.apiSecret == "" {
		c.paper = true
		log.Warn().Msg("📝 No exchange credentials - starting in paper mode")
	} else {
		log.Info().Str("base_url", c.baseURL).Msg("🚀 Exchange client initialized")
	}

	return c
}

// IsPaperMode reports whether the client is generating local fills.
// The switch into paper mode is one-directional per process.
func (c *Client) IsPaperMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paper
}

// ═══════════════════════════════════════════════════════════════════════════════
// PUBLIC API
// ═══════════════════════════════════════════════════════════════════════════════

// PlaceOrder submits a market order and returns the fill.
func (c *Client) PlaceOrder(ctx context.Context, symbol, side string, amount decimal.Decimal) (*types.Order, error) {
	if err := validateOrder(symbol, side, amount); err != nil {
		return nil, err
	}

	if c.IsPaperMode() {
		return c.paperFill(symbol, side, amount), nil
	}

	payload := map[string]any{
		"symbol": symbol,
		"side":   side,
		"amount": amount.String(),
		"type":   "MARKET",
	}

	body, err := c.callWithRetry(ctx, "place_order", http.MethodPost, "/api/v1/order", payload)
	if err != nil {
		if c.fallBackToPaper(err) {
			return c.paperFill(symbol, side, amount), nil
		}
		return nil, err
	}

	var result struct {
		OrderID string `json:"order_id"`
		Price   string `json:"price"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, truncate(result.Error))
	}

	price, _ := decimal.NewFromString(result.Price)
	order := &types.Order{
		ID:     result.OrderID,
		Symbol: symbol,
		Side:   side,
		Price:  price,
		Amount: amount,
		Time:   time.Now(),
	}

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", symbol).
		Str("side", side).
		Str("amount", amount.String()).
		Msg("✅ Order placed")

	return order, nil
}

// CancelOrder cancels an open order. Returns false when the venue no
// longer knows the order.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if !symbolRe.MatchString(symbol) {
		return false, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	if c.IsPaperMode() {
		log.Info().Str("order_id", orderID).Msg("📝 Paper: order cancelled")
		return true, nil
	}

	path := "/api/v1/order/" + url.PathEscape(orderID) + "?symbol=" + url.QueryEscape(symbol)
	body, err := c.callWithRetry(ctx, "cancel_order", http.MethodDelete, path, nil)
	if err != nil {
		if c.fallBackToPaper(err) {
			return true, nil
		}
		return false, err
	}

	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("parse cancel response: %w", err)
	}
	return result.Cancelled, nil
}

// OpenPositions returns venue-reported open positions, capped at the
// configured maximum. Truncation is logged, never an error.
func (c *Client) OpenPositions(ctx context.Context) ([]types.RemotePosition, error) {
	if c.IsPaperMode() {
		return c.paperPositions(), nil
	}

	body, err := c.callWithRetry(ctx, "open_positions", http.MethodGet, "/api/v1/positions?status=open", nil)
	if err != nil {
		if c.fallBackToPaper(err) {
			return c.paperPositions(), nil
		}
		return nil, err
	}

	var raw []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		EntryPrice string `json:"entry_price"`
		Amount     string `json:"amount"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positions response: %w", err)
	}

	if len(raw) > c.maxOpen {
		log.Warn().
			Int("reported", len(raw)).
			Int("cap", c.maxOpen).
			Msg("⚠️ Venue position list truncated")
		raw = raw[:c.maxOpen]
	}

	positions := make([]types.RemotePosition, 0, len(raw))
	for _, r := range raw {
		entry, _ := decimal.NewFromString(r.EntryPrice)
		amount, _ := decimal.NewFromString(r.Amount)
		pos := types.RemotePosition{
			Symbol:     r.Symbol,
			EntryPrice: entry,
			Amount:     amount,
		}
		switch r.Side {
		case "LONG", "BUY":
			pos.Side, pos.SideKnown = types.SideLong, true
		case "SHORT", "SELL":
			pos.Side, pos.SideKnown = types.SideShort, true
		default:
			// Spot venues often cannot say; reconciliation decides.
			pos.Side, pos.SideKnown = types.SideLong, false
		}
		positions = append(positions, pos)
	}

	return positions, nil
}

// Balance returns the free balance for a currency, never negative.
func (c *Client) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if c.IsPaperMode() {
		return decimal.NewFromInt(10000), nil
	}

	body, err := c.callWithRetry(ctx, "balance", http.MethodGet, "/api/v1/balance?currency="+url.QueryEscape(currency), nil)
	if err != nil {
		if c.fallBackToPaper(err) {
			return decimal.NewFromInt(10000), nil
		}
		return decimal.Zero, err
	}

	var result struct {
		Free string `json:"free"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance response: %w", err)
	}
	balance, _ := decimal.NewFromString(result.Free)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	return balance, nil
}

// Ticker returns the current price snapshot for a symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	if !symbolRe.MatchString(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	if c.IsPaperMode() {
		return c.paperTicker(symbol), nil
	}

	body, err := c.callWithRetry(ctx, "ticker", http.MethodGet, "/api/v1/ticker?symbol="+url.QueryEscape(symbol), nil)
	if err != nil {
		if c.fallBackToPaper(err) {
			return c.paperTicker(symbol), nil
		}
		return nil, err
	}

	var result struct {
		Bid       string `json:"bid"`
		Ask       string `json:"ask"`
		Last      string `json:"last"`
		Volume24h string `json:"volume_24h"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse ticker response: %w", err)
	}

	bid, _ := decimal.NewFromString(result.Bid)
	ask, _ := decimal.NewFromString(result.Ask)
	last, _ := decimal.NewFromString(result.Last)
	vol, _ := decimal.NewFromString(result.Volume24h)

	return &types.Ticker{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Volume24h: vol,
		Timestamp: time.Now(),
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RETRY / TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════════

func validateOrder(symbol, side string, amount decimal.Decimal) error {
	if !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

// callWithRetry runs one venue call through the rate limiter and the
// bounded backoff policy. It returns the response body or a wrapped
// ErrVenueUnavailable once the budget is spent.
func (c *Client) callWithRetry(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.Multiplier = c.multiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0 // attempts bound the retry, not wall time

	attempts := 0
	var body []byte

	operation := func() error {
		attempts++
		if err := c.limiter.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		body, err = c.do(ctx, method, path, payload)
		if err != nil {
			log.Warn().
				Str("op", op).
				Int("attempt", attempts).
				Str("error", truncate(err.Error())).
				Msg("⚠️ Venue call failed")
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries-1)), ctx))

	if err != nil {
		c.recordHealth(op, attempts, "failed", truncate(err.Error()))
		return nil, fmt.Errorf("%w: %s: %s", ErrVenueUnavailable, op, truncate(err.Error()))
	}

	c.mu.Lock()
	c.everReached = true
	c.mu.Unlock()
	c.recordHealth(op, attempts, "ok", "")
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body)))
	}

	return body, nil
}

// sign adds HMAC-SHA256 auth headers: signature over timestamp+method+path.
func (c *Client) sign(req *http.Request) {
	if c.apiKey == "" || c.apiSecret == "" {
		return
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + req.Method + req.URL.Path))

	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-TIMESTAMP", ts)
	req.Header.Set("X-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
}

// fallBackToPaper flips the client into paper mode when the very first
// authenticated call never got through. Returns true when the caller
// should serve the request from the paper book instead.
func (c *Client) fallBackToPaper(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paper || c.everReached {
		return c.paper
	}
	c.paper = true
	log.Error().
		Str("error", truncate(err.Error())).
		Msg("🔌 Venue unreachable on first call - switching to paper mode")
	return true
}

func (c *Client) recordHealth(op string, attempts int, outcome, detail string) {
	if c.health != nil {
		c.health.RecordHealth(op, attempts, outcome, detail)
	}
}

func truncate(s string) string {
	if len(s) > errDetailMax {
		return s[:errDetailMax] + "..."
	}
	return s
}
