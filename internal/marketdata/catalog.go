package marketdata

import (
	"context"
	_ "embed"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"papertrade/internal/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed instruments.yaml
var defaultInstruments []byte

type catalogFile struct {
	Instruments []catalogEntry `yaml:"instruments"`
}

// Prices are strings in the file so they reach decimal without a float hop.
type catalogEntry struct {
	Symbol        string `yaml:"symbol"`
	Name          string `yaml:"name"`
	Sector        string `yaml:"sector"`
	Price         string `yaml:"price"`
	PreviousClose string `yaml:"previous_close"`
}

// LoadInstruments reads a YAML instrument list. An empty path loads the
// built-in list.
func LoadInstruments(path string) ([]model.Instrument, error) {
	data := defaultInstruments
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read instruments file")
		}
	}
	return ParseInstruments(data)
}

func ParseInstruments(data []byte) ([]model.Instrument, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse instruments")
	}
	seen := make(map[string]struct{}, len(f.Instruments))
	out := make([]model.Instrument, 0, len(f.Instruments))
	for i, e := range f.Instruments {
		symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if symbol == "" {
			return nil, errors.Errorf("instrument %d: symbol is required", i)
		}
		if _, dup := seen[symbol]; dup {
			return nil, errors.Errorf("instrument %s listed twice", symbol)
		}
		seen[symbol] = struct{}{}
		ins := model.Instrument{Symbol: symbol, Name: e.Name, Sector: e.Sector}
		var err error
		if ins.CurrentPrice, err = parsePrice(e.Price); err != nil {
			return nil, errors.Wrapf(err, "instrument %s price", symbol)
		}
		if ins.PreviousClose, err = parsePrice(e.PreviousClose); err != nil {
			return nil, errors.Wrapf(err, "instrument %s previous_close", symbol)
		}
		out = append(out, ins)
	}
	return out, nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

// Catalog is the in-memory Source used by the memory backend and tests.
type Catalog struct {
	mu       sync.RWMutex
	bySymbol map[string]model.Instrument
	maxAge   time.Duration
	now      func() time.Time
}

func NewCatalog(instruments []model.Instrument, maxQuoteAge time.Duration) *Catalog {
	c := &Catalog{
		bySymbol: make(map[string]model.Instrument, len(instruments)),
		maxAge:   maxQuoteAge,
		now:      func() time.Time { return time.Now().UTC() },
	}
	now := c.now()
	for _, ins := range instruments {
		if ins.ID == "" {
			ins.ID = uuid.NewString()
		}
		if ins.UpdatedAt.IsZero() {
			ins.UpdatedAt = now
		}
		c.bySymbol[ins.Symbol] = ins
	}
	return c
}

func (c *Catalog) InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ins, ok := c.bySymbol[symbol]
	if !ok {
		return model.Instrument{}, errors.Wrap(ErrUnknownInstrument, symbol)
	}
	return ins, nil
}

func (c *Catalog) GetPrice(ctx context.Context, symbol string) (model.Quote, error) {
	ins, err := c.InstrumentBySymbol(ctx, symbol)
	if err != nil {
		return model.Quote{}, err
	}
	return quoteOf(ins, c.maxAge, c.now())
}

func (c *Catalog) List(ctx context.Context) ([]model.Instrument, error) {
	c.mu.RLock()
	out := make([]model.Instrument, 0, len(c.bySymbol))
	for _, ins := range c.bySymbol {
		out = append(out, ins)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (c *Catalog) UpdateQuote(ctx context.Context, u QuoteUpdate) (model.Instrument, error) {
	if err := u.validate(); err != nil {
		return model.Instrument{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ins, ok := c.bySymbol[u.Symbol]
	if !ok {
		return model.Instrument{}, errors.Wrap(ErrUnknownInstrument, u.Symbol)
	}
	ins.CurrentPrice = u.CurrentPrice
	if u.PreviousClose != nil {
		ins.PreviousClose = *u.PreviousClose
	}
	ins.UpdatedAt = c.now()
	c.bySymbol[u.Symbol] = ins
	return ins, nil
}
