package binance

import "time"

// Config 描述币安合约接入所需的参数。
type Config struct {
	RESTBaseURL string
	WSBaseURL   string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration
	RecvWindow  int64
}

func (c Config) withDefaults() Config {
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = "wss://fstream.binance.com/stream"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5000
	}
	return c
}
