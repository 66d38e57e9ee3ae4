package binance

import (
	"encoding/json"
	"strconv"

	"riptide/internal/market"
)

// combinedFrame 是组合流的外层封装。
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventEnvelope 只取事件类型字段，用于按形状分流。
type eventEnvelope struct {
	EventType string `json:"e"`
}

// klineEvent 是 kline 流的载荷。
type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime  int64    `json:"t"`
		CloseTime  int64    `json:"T"`
		Symbol     string   `json:"s"`
		Interval   string   `json:"i"`
		OpenPrice  strOrNum `json:"o"`
		ClosePrice strOrNum `json:"c"`
		HighPrice  strOrNum `json:"h"`
		LowPrice   strOrNum `json:"l"`
		Volume     strOrNum `json:"v"`
		IsFinal    bool     `json:"x"`
	} `json:"k"`
}

func (e klineEvent) candle() market.Candle {
	return market.Candle{
		Symbol:    e.Symbol,
		Timeframe: e.Kline.Interval,
		OpenTime:  e.Kline.StartTime,
		CloseTime: e.Kline.CloseTime,
		Open:      e.Kline.OpenPrice.Float(),
		High:      e.Kline.HighPrice.Float(),
		Low:       e.Kline.LowPrice.Float(),
		Close:     e.Kline.ClosePrice.Float(),
		Volume:    e.Kline.Volume.Float(),
		Closed:    e.Kline.IsFinal,
	}
}

// accountUpdateEvent 是用户数据流 ACCOUNT_UPDATE 的载荷。
type accountUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Account   struct {
		Balances []struct {
			Asset              string   `json:"a"`
			WalletBalance      strOrNum `json:"wb"`
			CrossWalletBalance strOrNum `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol         string   `json:"s"`
			PositionAmount strOrNum `json:"pa"`
		} `json:"P"`
	} `json:"a"`
}

// strOrNum 兼容交易所把数值编码成字符串或数字两种形态。
type strOrNum string

func (s *strOrNum) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = strOrNum(v)
		return nil
	}
	*s = strOrNum(string(b))
	return nil
}

func (s strOrNum) Float() float64 {
	f, _ := strconv.ParseFloat(string(s), 64)
	return f
}
