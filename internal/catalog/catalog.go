package catalog

import (
	"fmt"
	"sort"
	"strings"
)

const (
	USDCMint     = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDecimals = 6
	// SOLMint is the wrapped SOL mint; native SOL balances are read separately.
	SOLMint     = "So11111111111111111111111111111111111111112"
	SOLDecimals = 9

	xStockDecimals = 8
)

// Asset describes a tradable tokenized stock.
type Asset struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Name     string `json:"name" mapstructure:"name"`
	Mint     string `json:"mint" mapstructure:"mint"`
	Decimals int    `json:"decimals" mapstructure:"decimals"`
}

// Catalog resolves assets by symbol or mint address.
type Catalog struct {
	bySymbol map[string]Asset
	byMint   map[string]Asset
}

// DefaultAssets is the xStocks universe agents may trade.
func DefaultAssets() []Asset {
	return []Asset{
		{Symbol: "AAPLx", Name: "Apple", Mint: "XsbEhLAtcf6HdfpFZ5xEMdqW8nfAvcsP5bdudRLJzJp", Decimals: xStockDecimals},
		{Symbol: "TSLAx", Name: "Tesla", Mint: "XsDoVfqeBukxuZHWhdvWHBhgEHjGNst4MLodqsJHzoB", Decimals: xStockDecimals},
		{Symbol: "NVDAx", Name: "NVIDIA", Mint: "Xsc9qvGR1efVDFGLrVsmkzv3qi45LTBjeUKSPmx9qEh", Decimals: xStockDecimals},
		{Symbol: "GOOGLx", Name: "Alphabet", Mint: "XsCPL9dNWBMvFtTmwcCA5v3xWPSMEBCszbQdiLLq6aN", Decimals: xStockDecimals},
		{Symbol: "AMZNx", Name: "Amazon", Mint: "Xs3eBt7uRfJX8QUs4suhyU8p2M6DoUDrJyWBa8LLZsg", Decimals: xStockDecimals},
		{Symbol: "MSFTx", Name: "Microsoft", Mint: "XspzcW1PRtgf6Wj92HCiZdjzKCyFekVD8P5Ueh3dRMX", Decimals: xStockDecimals},
		{Symbol: "METAx", Name: "Meta", Mint: "Xsa62P5mvPszXL1krVUnU5ar38bBSVcWAB6fmPCo5Zu", Decimals: xStockDecimals},
		{Symbol: "SPYx", Name: "S&P 500 ETF", Mint: "XsoCS1TfEyfFhfvj8EtZ528L3CaKBDBRqRapnBbDF2W", Decimals: xStockDecimals},
		{Symbol: "COINx", Name: "Coinbase", Mint: "Xs7ZdzSHLU9ftNJsii5fCeJhoRWSC32SQGzGQtePxNu", Decimals: xStockDecimals},
		{Symbol: "GMEx", Name: "GameStop", Mint: "Xsf9mBktVB9BSU5kf4nHxPq5hCBJ2j2ui3ecFGxPRGc", Decimals: xStockDecimals},
	}
}

// New builds a catalog, rejecting duplicate symbols or mints.
func New(assets []Asset) (*Catalog, error) {
	c := &Catalog{
		bySymbol: make(map[string]Asset, len(assets)),
		byMint:   make(map[string]Asset, len(assets)),
	}
	for _, a := range assets {
		if a.Symbol == "" || a.Mint == "" {
			return nil, fmt.Errorf("asset %q: symbol and mint are required", a.Symbol)
		}
		key := strings.ToUpper(a.Symbol)
		if _, dup := c.bySymbol[key]; dup {
			return nil, fmt.Errorf("duplicate asset symbol %s", a.Symbol)
		}
		if _, dup := c.byMint[a.Mint]; dup {
			return nil, fmt.Errorf("duplicate asset mint %s", a.Mint)
		}
		c.bySymbol[key] = a
		c.byMint[a.Mint] = a
	}
	return c, nil
}

// Default returns the built-in xStocks catalog.
func Default() *Catalog {
	c, err := New(DefaultAssets())
	if err != nil {
		panic(err)
	}
	return c
}

// BySymbol looks up an asset, case-insensitively.
func (c *Catalog) BySymbol(symbol string) (Asset, bool) {
	a, ok := c.bySymbol[strings.ToUpper(symbol)]
	return a, ok
}

// ByMint looks up an asset by mint address.
func (c *Catalog) ByMint(mint string) (Asset, bool) {
	a, ok := c.byMint[mint]
	return a, ok
}

// Assets returns every asset sorted by symbol.
func (c *Catalog) Assets() []Asset {
	out := make([]Asset, 0, len(c.bySymbol))
	for _, a := range c.bySymbol {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
