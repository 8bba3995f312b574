// Package prices owns the commodity registry and the price database:
// currency and security definitions, dated quotes, latest-price lookup and
// conversion between commodities. Valuation never errors on a missing
// quote; callers get an explicit "no price" answer instead.
package prices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/store"
)

// NamespaceCurrency marks ISO currencies; anything else is a security
// namespace (exchange name, fund family, "template").
const NamespaceCurrency = "CURRENCY"

// Commodity is a unit of value: a currency or a tradable security.
// Fraction is the smallest-unit denominator used for split quantities.
type Commodity struct {
	GUID      string `json:"guid"`
	Namespace string `json:"namespace"`
	Mnemonic  string `json:"mnemonic"`
	Fullname  string `json:"fullname"`
	Fraction  int64  `json:"fraction"`
}

// IsCurrency reports whether the commodity is a currency.
func (c *Commodity) IsCurrency() bool { return c.Namespace == NamespaceCurrency }

// Price is one dated quote: Value units of the currency buy one unit of
// the commodity.
type Price struct {
	GUID          string          `json:"guid"`
	CommodityGUID string          `json:"commodity_guid"`
	CurrencyGUID  string          `json:"currency_guid"`
	Date          time.Time       `json:"date"`
	Value         numeric.Numeric `json:"value"`
	Source        string          `json:"source"`
	Type          string          `json:"type"`
}

// Service provides commodity and price operations.
type Service struct {
	db  *store.DB
	log zerolog.Logger
}

// NewService creates a price service.
func NewService(db *store.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log.With().Str("component", "prices").Logger()}
}

// EnsureCommodity returns the commodity with the given namespace and
// mnemonic, creating it if absent.
func (s *Service) EnsureCommodity(ctx context.Context, namespace, mnemonic, fullname string, fraction int64) (*Commodity, error) {
	if namespace == "" || mnemonic == "" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "commodity", "namespace and mnemonic are required")
	}
	if fraction <= 0 {
		return nil, errs.Validationf(errs.CodeInvalidInput, "fraction", "fraction must be positive, got %d", fraction)
	}

	if c, err := s.FindCommodity(ctx, namespace, mnemonic); err == nil {
		return c, nil
	} else {
		var nf *errs.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	c := &Commodity{
		GUID:      uuid.New().String(),
		Namespace: namespace,
		Mnemonic:  mnemonic,
		Fullname:  fullname,
		Fraction:  fraction,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commodities (guid, namespace, mnemonic, fullname, fraction)
		VALUES (?, ?, ?, ?, ?)
	`, c.GUID, c.Namespace, c.Mnemonic, c.Fullname, c.Fraction)
	if err != nil {
		return nil, fmt.Errorf("failed to insert commodity: %w", err)
	}
	return c, nil
}

// GetCommodity retrieves a commodity by guid.
func (s *Service) GetCommodity(ctx context.Context, guid string) (*Commodity, error) {
	var c Commodity
	err := s.db.QueryRowContext(ctx, `
		SELECT guid, namespace, mnemonic, fullname, fraction
		FROM commodities WHERE guid = ?
	`, guid).Scan(&c.GUID, &c.Namespace, &c.Mnemonic, &c.Fullname, &c.Fraction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("commodity", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commodity: %w", err)
	}
	return &c, nil
}

// FindCommodity retrieves a commodity by namespace and mnemonic.
func (s *Service) FindCommodity(ctx context.Context, namespace, mnemonic string) (*Commodity, error) {
	var c Commodity
	err := s.db.QueryRowContext(ctx, `
		SELECT guid, namespace, mnemonic, fullname, fraction
		FROM commodities WHERE namespace = ? AND mnemonic = ?
	`, namespace, mnemonic).Scan(&c.GUID, &c.Namespace, &c.Mnemonic, &c.Fullname, &c.Fraction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("commodity", namespace+":"+mnemonic)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find commodity: %w", err)
	}
	return &c, nil
}

// ListCommodities returns every commodity ordered by namespace and
// mnemonic.
func (s *Service) ListCommodities(ctx context.Context) ([]*Commodity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, namespace, mnemonic, fullname, fraction
		FROM commodities ORDER BY namespace, mnemonic
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list commodities: %w", err)
	}
	defer rows.Close()

	var out []*Commodity
	for rows.Next() {
		var c Commodity
		if err := rows.Scan(&c.GUID, &c.Namespace, &c.Mnemonic, &c.Fullname, &c.Fraction); err != nil {
			return nil, fmt.Errorf("failed to scan commodity: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// AddPrice stores a quote. Multiple quotes per commodity per day are
// allowed; a monotonic sequence number breaks date ties by insertion
// order.
func (s *Service) AddPrice(ctx context.Context, p *Price) (*Price, error) {
	if p.CommodityGUID == "" || p.CurrencyGUID == "" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "price", "commodity and currency guids are required")
	}
	if p.Value.Denom <= 0 {
		return nil, errs.Validationf(errs.CodeMalformedAmount, "value", "price denominator must be positive")
	}
	if _, err := s.GetCommodity(ctx, p.CommodityGUID); err != nil {
		return nil, err
	}
	if _, err := s.GetCommodity(ctx, p.CurrencyGUID); err != nil {
		return nil, err
	}

	stored := *p
	if stored.GUID == "" {
		stored.GUID = uuid.New().String()
	}
	if stored.Date.IsZero() {
		stored.Date = time.Now()
	}

	// seq is allocated by the database, keeping insertion order
	// unambiguous across concurrent writers.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (guid, commodity_guid, currency_guid, quote_date, source, price_type, value_num, value_denom)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.GUID, stored.CommodityGUID, stored.CurrencyGUID, store.FormatTime(stored.Date),
		stored.Source, stored.Type, stored.Value.Num, stored.Value.Denom)
	if err != nil {
		return nil, fmt.Errorf("failed to insert price: %w", err)
	}
	return &stored, nil
}

// ListPrices returns every stored quote in chronological insertion
// order.
func (s *Service) ListPrices(ctx context.Context) ([]*Price, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, commodity_guid, currency_guid, quote_date, source, price_type, value_num, value_denom
		FROM prices ORDER BY quote_date ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	defer rows.Close()

	var out []*Price
	for rows.Next() {
		var p Price
		var quoteDate string
		if err := rows.Scan(&p.GUID, &p.CommodityGUID, &p.CurrencyGUID, &quoteDate,
			&p.Source, &p.Type, &p.Value.Num, &p.Value.Denom); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		if p.Date, err = store.ParseTime(quoteDate); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Latest returns the most recent price with date <= asOf (zero asOf means
// now), ties broken by most recent insertion. A nil price with a nil
// error means no quote exists; valuation is "unknown", never an error.
func (s *Service) Latest(ctx context.Context, commodityGUID, currencyGUID string, asOf time.Time) (*Price, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return s.latestBefore(ctx, commodityGUID, currencyGUID, store.FormatTime(asOf), true)
}

// latestBefore is the shared lookup; inclusive switches between <= and <
// so series seeding can exclude the window start.
func (s *Service) latestBefore(ctx context.Context, commodityGUID, currencyGUID, bound string, inclusive bool) (*Price, error) {
	cmp := "<"
	if inclusive {
		cmp = "<="
	}
	var p Price
	var quoteDate string
	err := s.db.QueryRowContext(ctx, `
		SELECT guid, commodity_guid, currency_guid, quote_date, source, price_type, value_num, value_denom
		FROM prices
		WHERE commodity_guid = ? AND currency_guid = ? AND quote_date `+cmp+` ?
		ORDER BY quote_date DESC, seq DESC
		LIMIT 1
	`, commodityGUID, currencyGUID, bound).Scan(
		&p.GUID, &p.CommodityGUID, &p.CurrencyGUID, &quoteDate, &p.Source, &p.Type, &p.Value.Num, &p.Value.Denom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up price: %w", err)
	}
	if p.Date, err = store.ParseTime(quoteDate); err != nil {
		return nil, err
	}
	return &p, nil
}

// Convert re-expresses amount from one commodity in another as of the
// given time. For currency pairs a direct quote is preferred and an
// inverse quote used as fallback; for securities the share quantity is
// multiplied by the latest quote. The boolean is false when no usable
// price exists.
func (s *Service) Convert(ctx context.Context, amount numeric.Numeric, fromGUID, toGUID string, asOf time.Time) (numeric.Numeric, bool, error) {
	if fromGUID == toGUID {
		return amount, true, nil
	}

	direct, err := s.Latest(ctx, fromGUID, toGUID, asOf)
	if err != nil {
		return numeric.Numeric{}, false, err
	}
	if direct != nil {
		return numeric.Mul(amount, direct.Value), true, nil
	}

	inverse, err := s.Latest(ctx, toGUID, fromGUID, asOf)
	if err != nil {
		return numeric.Numeric{}, false, err
	}
	if inverse != nil {
		inv, err := inverse.Value.Inv()
		if err != nil {
			return numeric.Numeric{}, false, err
		}
		return numeric.Mul(amount, inv), true, nil
	}

	return numeric.Numeric{}, false, nil
}

// Point is one day in a forward-filled price series. Value is nil until
// the first known quote.
type Point struct {
	Date  time.Time
	Value *numeric.Numeric
}

// Series builds a daily price series over [from, to]. The series is
// seeded with the most recent quote strictly before the window start,
// then each day carries the last quote forward. Quotes are never
// interpolated and never taken from the future.
func (s *Service) Series(ctx context.Context, commodityGUID, currencyGUID string, from, to time.Time) ([]Point, error) {
	if to.Before(from) {
		return nil, errs.Validationf(errs.CodeInvalidInput, "range", "series end precedes start")
	}

	start := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour)

	seed, err := s.latestBefore(ctx, commodityGUID, currencyGUID, store.FormatTime(start), false)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT quote_date, value_num, value_denom
		FROM prices
		WHERE commodity_guid = ? AND currency_guid = ? AND quote_date >= ? AND quote_date <= ?
		ORDER BY quote_date ASC, seq ASC
	`, commodityGUID, currencyGUID, store.FormatTime(start), store.FormatTime(end.Add(24*time.Hour-time.Second)))
	if err != nil {
		return nil, fmt.Errorf("failed to query price series: %w", err)
	}
	defer rows.Close()

	type quote struct {
		day   time.Time
		value numeric.Numeric
	}
	var quotes []quote
	for rows.Next() {
		var q quote
		var ds string
		if err := rows.Scan(&ds, &q.value.Num, &q.value.Denom); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		ts, err := store.ParseTime(ds)
		if err != nil {
			return nil, err
		}
		q.day = ts.Truncate(24 * time.Hour)
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var carried *numeric.Numeric
	if seed != nil {
		v := seed.Value
		carried = &v
	}

	var series []Point
	i := 0
	for day := start; !day.After(end); day = day.Add(24 * time.Hour) {
		// The last quote of the day wins; quotes are already in
		// insertion order within a day.
		for i < len(quotes) && !quotes[i].day.After(day) {
			v := quotes[i].value
			carried = &v
			i++
		}
		series = append(series, Point{Date: day, Value: carried})
	}
	return series, nil
}
