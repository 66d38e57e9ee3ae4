// Package binance 实现币安合约的签名 REST 访问与行情/账户流接入。
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"riptide/internal/logger"
)

var (
	// ErrTransport 表示传输层失败（超时、连接重置），
	// 调用方据此套用自己的重试策略，而不是向上抛异常。
	ErrTransport = errors.New("binance transport failure")
	// ErrAuth 表示签名或凭据被拒绝，属于致命错误。
	ErrAuth = errors.New("binance authentication rejected")
)

// APIError 携带交易所返回的错误载荷。
type APIError struct {
	HTTPStatus int
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Msg)
}

// Client 是签名 REST 客户端：参数加毫秒时间戳做规范化编码后
// 用账户密钥做 HMAC-SHA256 签名，签名作为参数附加，API key 走请求头。
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
	now  func() time.Time
}

// NewClient 创建 REST 客户端。
func NewClient(log *logger.Logger, cfg Config) *Client {
	final := cfg.withDefaults()
	return &Client{
		cfg:  final,
		http: &http.Client{Timeout: final.HTTPTimeout},
		log:  log.Named("binance.rest"),
		now:  time.Now,
	}
}

// sign 对规范化后的 query string 计算 HMAC-SHA256 十六进制签名。
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedRequest 发送签名请求。GET/DELETE 参数在 query，POST/PUT 在 body。
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	// url.Values.Encode 按键名排序，即规范化编码。
	encoded := params.Encode()
	encoded += "&signature=" + c.sign(encoded)

	var req *http.Request
	var err error
	full := c.cfg.RESTBaseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, full+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, full, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

// publicRequest 发送无签名请求。
func (c *Client) publicRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.RESTBaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("请求传输失败", "path", req.URL.Path, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		c.log.Warn("交易所返回错误", "path", req.URL.Path, "status", resp.StatusCode, "code", apiErr.Code, "msg", apiErr.Msg)
		if isAuthError(resp.StatusCode, apiErr.Code) {
			return nil, fmt.Errorf("%w: %s", ErrAuth, apiErr.Msg)
		}
		return nil, apiErr
	}
	return body, nil
}

// 签名/凭据类错误码：-1022 签名无效，-2014/-2015 API key 无效。
func isAuthError(status, code int) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	switch code {
	case -1022, -2014, -2015:
		return true
	}
	return false
}

// Ping 探测 REST 连通性。
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.publicRequest(ctx, "/fapi/v1/ping")
	return err
}

// OrderRequest 是下单参数。
type OrderRequest struct {
	Symbol        string
	Side          string // BUY/SELL
	Type          string // MARKET 等
	Quantity      float64
	ClientOrderID string
	ReduceOnly    bool
}

// OrderAck 是交易所对订单的应答/查询结果。
type OrderAck struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

// Quantity 返回委托数量。
func (a OrderAck) Quantity() float64 { return parseFloat(a.OrigQty) }

// Filled 返回成交数量。
func (a OrderAck) Filled() float64 { return parseFloat(a.ExecutedQty) }

// FillPrice 返回平均成交价。
func (a OrderAck) FillPrice() float64 { return parseFloat(a.AvgPrice) }

// PlaceOrder 下新单。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("解析下单应答失败: %w", err)
	}
	return &ack, nil
}

// QueryOrder 查询订单状态。
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("解析订单查询失败: %w", err)
	}
	return &ack, nil
}

// OpenOrders 查询交易所侧的全部在途订单。
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderAck, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var out []OrderAck
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("解析在途订单失败: %w", err)
	}
	return out, nil
}

// CancelOrder 撤销订单。
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// AccountInfo 是账户资金概览。
type AccountInfo struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
}

// Account 查询账户余额与可用保证金。
func (c *Client) Account(ctx context.Context) (balance, available float64, err error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return 0, 0, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, 0, fmt.Errorf("解析账户信息失败: %w", err)
	}
	return parseFloat(info.TotalWalletBalance), parseFloat(info.AvailableBalance), nil
}

// Position 是单个持仓。PositionAmt 带符号，多正空负。
type Position struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// Amount 返回带符号持仓数量。
func (p Position) Amount() float64 { return parseFloat(p.PositionAmt) }

// Positions 查询持仓；symbol 为空时返回全部。
func (c *Client) Positions(ctx context.Context, symbol string) ([]Position, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("解析持仓信息失败: %w", err)
	}
	return out, nil
}

// ListenKey 获取用户数据流会话令牌。
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("解析 listen key 失败: %w", err)
	}
	if out.ListenKey == "" {
		return "", errors.New("交易所返回空 listen key")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey 给会话令牌续期。
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.signedRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
	return err
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
