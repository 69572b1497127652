package upbit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
)

// StreamCodec speaks the Upbit websocket trade protocol.
type StreamCodec struct{}

// SubscribePayload builds the trade subscription frame: a ticket
// element followed by the trade request for all markets, realtime only.
func (StreamCodec) SubscribePayload(markets []string) (interface{}, error) {
	return []interface{}{
		map[string]string{"ticket": uuid.NewString()},
		map[string]interface{}{
			"type":           "trade",
			"codes":          markets,
			"isOnlyRealtime": true,
		},
	}, nil
}

type tradeFrame struct {
	Type           string  `json:"type"`
	Code           string  `json:"code"`
	TradePrice     float64 `json:"trade_price"`
	TradeVolume    float64 `json:"trade_volume"`
	TradeTimestamp int64   `json:"trade_timestamp"`
	Timestamp      int64   `json:"timestamp"`
}

// DecodeTick parses a frame, skipping anything that is not a trade.
func (StreamCodec) DecodeTick(message []byte) (core.Tick, bool, error) {
	var frame tradeFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return core.Tick{}, false, err
	}
	if frame.Type != "trade" || frame.Code == "" {
		return core.Tick{}, false, nil
	}

	ts := frame.TradeTimestamp
	if ts == 0 {
		ts = frame.Timestamp
	}
	return core.Tick{
		Market: frame.Code,
		Price:  decimal.NewFromFloat(frame.TradePrice),
		Volume: decimal.NewFromFloat(frame.TradeVolume),
		TS:     time.UnixMilli(ts).UTC(),
	}, true, nil
}
