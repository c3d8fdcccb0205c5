package pricing

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/tradeerr"
)

const (
	DefaultCacheTTL = 5 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Source labels where a quote came from.
type Source string

const (
	SourceLive  Source = "live"
	SourceCache Source = "cache"
	SourceMock  Source = "mock"
)

// PriceSource fetches USD prices keyed by mint.
type PriceSource interface {
	GetPrices(ctx context.Context, mints []string) (map[string]float64, error)
}

// Quote is a reference price for one asset.
type Quote struct {
	Symbol string    `json:"symbol"`
	Mint   string    `json:"mint"`
	Price  float64   `json:"price"`
	Source Source    `json:"source"`
	AsOf   time.Time `json:"as_of"`
}

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// Oracle serves reference prices with a short TTL cache. When the upstream
// source fails or times out it falls back to a deterministic mock price so
// paper trading stays available.
type Oracle struct {
	source  PriceSource
	catalog *catalog.Catalog
	logger  *zap.Logger
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewOracle creates a price oracle. Non-positive ttl or timeout use the defaults.
func NewOracle(source PriceSource, cat *catalog.Catalog, ttl, timeout time.Duration, logger *zap.Logger) *Oracle {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Oracle{
		source:  source,
		catalog: cat,
		logger:  logger.Named("pricing"),
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Price returns the reference price for symbol. Only an unknown symbol is an error.
func (o *Oracle) Price(ctx context.Context, symbol string) (Quote, error) {
	asset, ok := o.catalog.BySymbol(symbol)
	if !ok {
		return Quote{}, tradeerr.New(tradeerr.CodeUnknownAsset, "unknown asset %q", symbol)
	}
	now := o.now()

	o.mu.Lock()
	entry, hit := o.cache[asset.Mint]
	o.mu.Unlock()
	if hit && now.Sub(entry.fetchedAt) < o.ttl {
		return Quote{Symbol: asset.Symbol, Mint: asset.Mint, Price: entry.price, Source: SourceCache, AsOf: entry.fetchedAt}, nil
	}

	if o.source != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, o.timeout)
		prices, err := o.source.GetPrices(fetchCtx, []string{asset.Mint})
		cancel()
		if err == nil {
			if price, ok := prices[asset.Mint]; ok && price > 0 {
				o.mu.Lock()
				o.cache[asset.Mint] = cacheEntry{price: price, fetchedAt: now}
				o.mu.Unlock()
				return Quote{Symbol: asset.Symbol, Mint: asset.Mint, Price: price, Source: SourceLive, AsOf: now}, nil
			}
			o.logger.Warn("No price returned, using mock price", zap.String("symbol", asset.Symbol))
		} else {
			o.logger.Warn("Price fetch failed, using mock price", zap.String("symbol", asset.Symbol), zap.Error(err))
		}
	}

	return Quote{Symbol: asset.Symbol, Mint: asset.Mint, Price: MockPrice(asset.Symbol), Source: SourceMock, AsOf: now}, nil
}

// MockPrice derives a stable pseudo price in [10, 510) from the symbol.
func MockPrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	cents := h.Sum32() % 50_000
	return 10 + float64(cents)/100
}

// Invalidate drops every cached price.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache = make(map[string]cacheEntry)
}
