// Package feed owns the upstream market-data connection: the websocket
// client, channel subscriptions, and the normalisation seam that turns
// vendor frames into canonical records. Everything below this package sees
// decimal numerics and canonical field names.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-intel-bot/internal/market"
	"market-intel-bot/internal/metrics"
)

// EventKind classifies a parsed frame.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindHeartbeat
	KindAck
	KindLiquidation
	KindTrade
)

// Message is one normalised frame.
type Message struct {
	Kind        EventKind
	Event       string
	Liquidation *market.Liquidation
	Trade       *market.Trade
}

var errRejected = errors.New("frame rejected")

// Parser is the single normalisation seam for the vendor feed. Field names
// vary (vol vs volUsd, exchange vs exName) and numerics arrive as numbers or
// strings; a bad record is rejected and counted, never the connection.
type Parser struct {
	now func() time.Time
}

func NewParser() *Parser {
	return &Parser{now: time.Now}
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Parse normalises one raw frame.
func (p *Parser) Parse(raw []byte) (*Message, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		metrics.FramesRejected.WithLabelValues("bad_json").Inc()
		return nil, fmt.Errorf("%w: %v", errRejected, err)
	}

	event := strings.ToLower(f.Event)
	switch event {
	case "ping", "pong":
		return &Message{Kind: KindHeartbeat, Event: event}, nil
	case "subscribe", "unsubscribe", "login":
		return &Message{Kind: KindAck, Event: event}, nil
	case "liquidation":
		l, err := p.parseLiquidation(f.Data)
		if err != nil {
			return nil, err
		}
		metrics.FramesParsed.WithLabelValues("liquidation").Inc()
		return &Message{Kind: KindLiquidation, Event: event, Liquidation: l}, nil
	case "trade":
		t, err := p.parseTrade(f.Data)
		if err != nil {
			return nil, err
		}
		metrics.FramesParsed.WithLabelValues("trade").Inc()
		return &Message{Kind: KindTrade, Event: event, Trade: t}, nil
	default:
		return &Message{Kind: KindUnknown, Event: event}, nil
	}
}

func (p *Parser) decodeRecord(data json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	rec := make(map[string]any)
	if err := dec.Decode(&rec); err != nil {
		metrics.FramesRejected.WithLabelValues("bad_json").Inc()
		return nil, fmt.Errorf("%w: %v", errRejected, err)
	}
	return rec, nil
}

func (p *Parser) parseLiquidation(data json.RawMessage) (*market.Liquidation, error) {
	rec, err := p.decodeRecord(data)
	if err != nil {
		return nil, err
	}
	common, err := p.parseCommon(rec)
	if err != nil {
		return nil, err
	}
	side, ok := toInt(rec["side"])
	if !ok || (side != int64(market.LongLiquidated) && side != int64(market.ShortLiquidated)) {
		metrics.FramesRejected.WithLabelValues("bad_side").Inc()
		return nil, fmt.Errorf("%w: liquidation side %v", errRejected, rec["side"])
	}
	return &market.Liquidation{
		Symbol:      common.symbol,
		Exchange:    common.exchange,
		Price:       common.price,
		Side:        market.LiquidationSide(side),
		NotionalUSD: common.notional,
		TS:          common.ts,
	}, nil
}

func (p *Parser) parseTrade(data json.RawMessage) (*market.Trade, error) {
	rec, err := p.decodeRecord(data)
	if err != nil {
		return nil, err
	}
	common, err := p.parseCommon(rec)
	if err != nil {
		return nil, err
	}
	side, ok := toInt(rec["side"])
	if !ok || (side != int64(market.Sell) && side != int64(market.Buy)) {
		metrics.FramesRejected.WithLabelValues("bad_side").Inc()
		return nil, fmt.Errorf("%w: trade side %v", errRejected, rec["side"])
	}
	return &market.Trade{
		Symbol:      common.symbol,
		Exchange:    common.exchange,
		Price:       common.price,
		Side:        market.TradeSide(side),
		NotionalUSD: common.notional,
		TS:          common.ts,
	}, nil
}

type commonFields struct {
	symbol   string
	exchange string
	price    decimal.Decimal
	notional float64
	ts       int64
}

func (p *Parser) parseCommon(rec map[string]any) (commonFields, error) {
	var c commonFields

	sym, _ := toString(rec["symbol"])
	c.symbol = strings.ToUpper(strings.TrimSpace(sym))
	if c.symbol == "" {
		metrics.FramesRejected.WithLabelValues("missing_symbol").Inc()
		return c, fmt.Errorf("%w: missing symbol", errRejected)
	}

	// Exchange name varies by vendor channel.
	if ex, ok := toString(rec["exchange"]); ok && ex != "" {
		c.exchange = ex
	} else if ex, ok := toString(rec["exName"]); ok {
		c.exchange = ex
	}

	price, ok := toDecimal(rec["price"])
	if !ok || !price.IsPositive() {
		metrics.FramesRejected.WithLabelValues("bad_price").Inc()
		return c, fmt.Errorf("%w: price %v", errRejected, rec["price"])
	}
	c.price = price

	vol, ok := toFloat(rec["volUsd"])
	if !ok {
		vol, ok = toFloat(rec["vol"])
	}
	if !ok || vol <= 0 {
		metrics.FramesRejected.WithLabelValues("bad_notional").Inc()
		return c, fmt.Errorf("%w: notional %v", errRejected, rec["vol"])
	}
	c.notional = vol

	if ts, ok := toInt(rec["time"]); ok && ts > 0 {
		c.ts = ts
	} else {
		c.ts = p.now().UnixMilli()
	}
	return c, nil
}

// The vendor mixes JSON numbers and numeric strings freely; these coercions
// accept either.

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func toFloat(v any) (float64, bool) {
	d, ok := toDecimal(v)
	if !ok {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		var i int64
		_, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &i)
		return i, err == nil
	default:
		return 0, false
	}
}
