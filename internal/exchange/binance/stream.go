package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"trading_core/internal/core"
)

// Raw stream payloads. Field tags follow the venue's single-letter wire
// format; only the fields the engine consumes are declared.

type wsTickerEvent struct {
	EventTime          int64  `json:"E"`
	LastPrice          string `json:"c"`
	BidPrice           string `json:"b"`
	AskPrice           string `json:"a"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	BaseVolume         string `json:"v"`
	QuoteVolume        string `json:"q"`
	PriceChangePercent string `json:"P"`
}

type wsDepthEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type wsTradeEvent struct {
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wsKlineEvent struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsFinal   bool   `json:"x"`
	} `json:"k"`
}

// parseStreamEvent decodes one raw stream message into a canonical market
// update for the key's data type.
func parseStreamEvent(key core.MarketDataKey, message []byte) (*core.MarketUpdate, error) {
	switch key.DataType {
	case core.DataTypeTicker:
		var evt wsTickerEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			return nil, err
		}
		ts := time.UnixMilli(evt.EventTime)
		return &core.MarketUpdate{
			Ticker: &core.Ticker{
				Symbol:      key.Symbol,
				Exchange:    name,
				LastPrice:   dec(evt.LastPrice),
				BidPrice:    dec(evt.BidPrice),
				AskPrice:    dec(evt.AskPrice),
				High24h:     dec(evt.HighPrice),
				Low24h:      dec(evt.LowPrice),
				Volume24h:   dec(evt.BaseVolume),
				QuoteVolume: dec(evt.QuoteVolume),
				Change24h:   dec(evt.PriceChangePercent),
				Timestamp:   ts,
			},
			Timestamp: ts,
		}, nil

	case core.DataTypeOrderBook:
		var evt wsDepthEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			return nil, err
		}
		now := time.Now()
		return &core.MarketUpdate{
			OrderBook: &core.OrderBook{
				Symbol:    key.Symbol,
				Exchange:  name,
				Bids:      levelsFromRaw(evt.Bids),
				Asks:      levelsFromRaw(evt.Asks),
				Sequence:  evt.LastUpdateID,
				Timestamp: now,
			},
			Sequence:  evt.LastUpdateID,
			Timestamp: now,
		}, nil

	case core.DataTypeTrades:
		var evt wsTradeEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			return nil, err
		}
		side := core.OrderSideBuy
		if evt.IsBuyerMaker {
			side = core.OrderSideSell
		}
		ts := time.UnixMilli(evt.TradeTime)
		return &core.MarketUpdate{
			Trade: &core.Trade{
				ID:        strconv.FormatInt(evt.TradeID, 10),
				Symbol:    key.Symbol,
				Exchange:  name,
				Side:      side,
				Price:     dec(evt.Price),
				Quantity:  dec(evt.Quantity),
				Timestamp: ts,
			},
			Sequence:  evt.TradeID,
			Timestamp: ts,
		}, nil

	case core.DataTypeKlines:
		var evt wsKlineEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			return nil, err
		}
		k := evt.Kline
		return &core.MarketUpdate{
			Kline: &core.Kline{
				Symbol:    key.Symbol,
				Exchange:  name,
				Interval:  k.Interval,
				OpenTime:  time.UnixMilli(k.StartTime),
				CloseTime: time.UnixMilli(k.EndTime),
				Open:      dec(k.Open),
				High:      dec(k.High),
				Low:       dec(k.Low),
				Close:     dec(k.Close),
				Volume:    dec(k.Volume),
				IsClosed:  k.IsFinal,
			},
			Timestamp: time.UnixMilli(evt.EventTime),
		}, nil
	}
	return nil, fmt.Errorf("unsupported data type %q", key.DataType)
}

func levelsFromRaw(raw [][]string) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, core.PriceLevel{Price: dec(lvl[0]), Quantity: dec(lvl[1])})
	}
	return out
}
