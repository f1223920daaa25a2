package oracle

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

// FeedRecordSize is the length of a binary feed record: a little-endian
// uint64 price with six decimals followed by a little-endian int64 unix time.
const FeedRecordSize = 16

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, path, price string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "static":
		value, err := ParsePrice(price)
		if err != nil {
			return nil, fmt.Errorf("static source %q: %w", name, err)
		}
		return &staticSource{name: label(name, "static"), price: value, now: r.clock()}, nil
	case "http":
		if strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("http source %q: endpoint required", name)
		}
		return &httpSource{name: label(name, "http"), endpoint: endpoint, client: r.client()}, nil
	case "feed":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("feed source %q: path required", name)
		}
		return &feedSource{name: label(name, "feed"), path: path}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

type staticSource struct {
	name  string
	price cdp.Price
	now   func() time.Time
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(context.Context) (Sample, error) {
	return Sample{Price: s.price, Timestamp: s.now()}, nil
}

// httpSource polls a JSON endpoint returning {"price": "200.15", "timestamp": 1700000000}.
type httpSource struct {
	name     string
	endpoint string
	client   *http.Client
}

type httpQuote struct {
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}
	var quote httpQuote
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	dec.UseNumber()
	if err := dec.Decode(&quote); err != nil {
		return Sample{}, fmt.Errorf("%s: decode quote: %w", s.name, err)
	}
	price, err := ParsePrice(quote.Price.String())
	if err != nil {
		return Sample{}, fmt.Errorf("%s: %w", s.name, err)
	}
	if quote.Timestamp <= 0 {
		return Sample{}, fmt.Errorf("%s: timestamp required", s.name)
	}
	return Sample{Price: price, Timestamp: time.Unix(quote.Timestamp, 0)}, nil
}

// feedSource reads the binary price record written by an on-host publisher.
type feedSource struct {
	name string
	path string
}

func (s *feedSource) Name() string { return s.name }

func (s *feedSource) Fetch(context.Context) (Sample, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Sample{}, err
	}
	return DecodeFeedRecord(data)
}

// DecodeFeedRecord parses a binary feed record.
func DecodeFeedRecord(data []byte) (Sample, error) {
	if len(data) < FeedRecordSize {
		return Sample{}, fmt.Errorf("%w: feed record is %d bytes, need %d", cdp.ErrInvalidOraclePrice, len(data), FeedRecordSize)
	}
	price := binary.LittleEndian.Uint64(data[0:8])
	ts := int64(binary.LittleEndian.Uint64(data[8:16]))
	if price == 0 {
		return Sample{}, cdp.ErrInvalidOraclePrice
	}
	return Sample{Price: cdp.Price(price), Timestamp: time.Unix(ts, 0)}, nil
}

// EncodeFeedRecord is the inverse of DecodeFeedRecord.
func EncodeFeedRecord(sample Sample) []byte {
	out := make([]byte, FeedRecordSize)
	binary.LittleEndian.PutUint64(out[0:8], uint64(sample.Price))
	binary.LittleEndian.PutUint64(out[8:16], uint64(sample.Timestamp.Unix()))
	return out
}

var priceScale = big.NewRat(1_000_000, 1)

// ParsePrice converts a decimal USD amount such as "200.5" into six-decimal
// fixed point, truncating any further digits.
func ParsePrice(raw string) (cdp.Price, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty price", cdp.ErrInvalidOraclePrice)
	}
	rat, ok := new(big.Rat).SetString(raw)
	if !ok || rat.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %q", cdp.ErrInvalidOraclePrice, raw)
	}
	scaled := new(big.Rat).Mul(rat, priceScale)
	value := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if !value.IsUint64() || value.Sign() == 0 {
		return 0, fmt.Errorf("%w: %q out of range", cdp.ErrInvalidOraclePrice, raw)
	}
	return cdp.Price(value.Uint64()), nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
