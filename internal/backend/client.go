// Package backend предоставляет клиент REST API розничного бэкенда.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/stockout-system/internal/model"
)

// ErrProductNotFound возвращается, если товар с указанным кодом не найден в каталоге.
var ErrProductNotFound = errors.New("product not found")

// ErrStockOutRejected возвращается, если бэкенд отказал в списании остатка.
var ErrStockOutRejected = errors.New("stock out rejected by backend")

// Client инкапсулирует HTTP-взаимодействие с розничным бэкендом.
// Поисковые операции идут через клиент с повторами; списание остатка
// выполняется без повторов, чтобы сохранить семантику at-most-once.
type Client struct {
	baseURL     string
	readClient  *retryablehttp.Client
	writeClient *http.Client
}

// NewClient создаёт клиент бэкенда по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		readClient: rc,
		writeClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) base() (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("backend client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base, nil
}

type searchResponse struct {
	Success   bool                    `json:"success"`
	Customers []model.CustomerProfile `json:"customers"`
}

// SearchCustomers выполняет поиск покупателей по телефону или уникальному идентификатору.
func (c *Client) SearchCustomers(ctx context.Context, query string) ([]model.CustomerProfile, error) {
	base, err := c.base()
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/api/customers/search?query=%s", base, url.QueryEscape(query))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.readClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !result.Success {
		return nil, nil
	}

	return result.Customers, nil
}

type productResponse struct {
	Success bool                   `json:"success"`
	Product *model.ProductSnapshot `json:"product"`
}

// GetProductByItemCode запрашивает снимок товара по его коду.
func (c *Client) GetProductByItemCode(ctx context.Context, itemCode string) (*model.ProductSnapshot, error) {
	base, err := c.base()
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/api/products/%s", base, url.PathEscape(itemCode))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.readClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProductNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result productResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !result.Success || result.Product == nil {
		return nil, ErrProductNotFound
	}

	return result.Product, nil
}

// StockOutRequest описывает одно списание остатка по позиции корзины.
type StockOutRequest struct {
	ItemCode      string          `json:"item_code"`
	Quantity      int64           `json:"quantity"`
	Note          string          `json:"note"`
	OperatorID    string          `json:"operator_id"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone"`
	PaymentMode   string          `json:"payment_mode"`
	MRP           decimal.Decimal `json:"mrp"`
	SellRate      decimal.Decimal `json:"sell_rate"`
	Discount      decimal.Decimal `json:"discount"`
}

type stockOutResponse struct {
	Success bool `json:"success"`
}

// StockOut отправляет одно списание остатка. Запрос не повторяется автоматически.
func (c *Client) StockOut(ctx context.Context, r StockOutRequest) error {
	base, err := c.base()
	if err != nil {
		return err
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/stock/out", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.writeClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result stockOutResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("%w: item %s", ErrStockOutRejected, r.ItemCode)
	}

	return nil
}
