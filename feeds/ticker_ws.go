package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TICKER FEED - Live venue prices over WebSocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// Keeps an in-memory price cache fresh for the tick loop so it does
// not burn REST budget on every price lookup. Purely advisory: the
// coordinator falls back to the REST ticker when the feed is down.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// tickerMsg is the venue's ticker frame.
type tickerMsg struct {
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Last      string `json:"last"`
	Volume24h string `json:"volume_24h"`
}

// TickerFeed manages the WebSocket connection and tick distribution.
type TickerFeed struct {
	mu sync.RWMutex

	wsURL     string
	symbols   []string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	subscribers []chan types.Ticker
	prices      map[string]types.Ticker
}

// NewTickerFeed creates a feed for the given symbols.
func NewTickerFeed(wsURL string, symbols ...string) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		symbols: symbols,
		stopCh:  make(chan struct{}),
		prices:  make(map[string]types.Ticker),
	}
}

// Start connects and begins processing.
func (f *TickerFeed) Start() {
	f.mu.Lock()
	if f.running || f.wsURL == "" {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Msg("📡 Ticker feed started")
}

// Stop closes the connection.
func (f *TickerFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Ticker feed stopped")
}

// Subscribe returns a channel receiving every ticker update.
func (f *TickerFeed) Subscribe() chan types.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan types.Ticker, 256)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Price returns the cached last price for a symbol.
func (f *TickerFeed) Price(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return t.Last, true
}

// IsConnected reports the socket state.
func (f *TickerFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *TickerFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("⚠️ Ticker feed connect failed")
			select {
			case <-f.stopCh:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		f.readLoop()

		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()

		select {
		case <-f.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *TickerFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	// Subscribe to our symbols.
	sub := map[string]any{"op": "subscribe", "channel": "ticker", "symbols": f.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	go f.pingLoop(conn)

	log.Info().Strs("symbols", f.symbols).Msg("📡 Ticker feed connected")
	return nil
}

func (f *TickerFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (f *TickerFeed) readLoop() {
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Ticker feed read error, reconnecting")
			return
		}

		var msg tickerMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" {
			continue
		}

		bid, _ := decimal.NewFromString(msg.Bid)
		ask, _ := decimal.NewFromString(msg.Ask)
		last, _ := decimal.NewFromString(msg.Last)
		vol, _ := decimal.NewFromString(msg.Volume24h)

		tick := types.Ticker{
			Symbol:    msg.Symbol,
			Bid:       bid,
			Ask:       ask,
			Last:      last,
			Volume24h: vol,
			Timestamp: time.Now(),
		}

		f.mu.Lock()
		f.prices[msg.Symbol] = tick
		subs := f.subscribers
		f.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- tick:
			default: // slow subscriber, drop rather than stall the feed
			}
		}
	}
}
