// Package model содержит доменные сущности сервиса складских списаний.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerProfile описывает данные покупателя, полученные из бэкенда при поиске.
type CustomerProfile struct {
	Phone    string `json:"phone"`
	UniqueID string `json:"customer_unique_id"`
	FullName string `json:"full_name"`
	Address  string `json:"address"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
}

// Customer описывает покупателя, от имени которого оформляется списание.
// Verified выставляется только после успешного разрешения по поисковому ключу.
type Customer struct {
	DisplayName string
	Query       string
	Verified    bool
	Profile     *CustomerProfile
}

// ProductSnapshot — неизменяемый снимок товара на момент запроса по коду.
// Снимок перезапрашивается целиком при смене кода товара, поля по отдельности не обновляются.
type ProductSnapshot struct {
	ItemCode        string          `json:"item_code"`
	ProductName     string          `json:"product_name"`
	SKUCode         string          `json:"sku_code"`
	ModelNumber     string          `json:"model_number"`
	CurrentQuantity int64           `json:"current_quantity"`
	MRP             decimal.Decimal `json:"mrp"`
	SellRate        decimal.Decimal `json:"sell_rate"`
	Discount        decimal.Decimal `json:"discount_1"`
}

// FetchState описывает состояние запроса снимка товара для текущей позиции.
type FetchState string

const (
	// FetchNone — снимок ещё не запрашивался для текущего кода.
	FetchNone FetchState = "NONE"
	// FetchFound — снимок получен и привязан к позиции.
	FetchFound FetchState = "FOUND"
	// FetchNotFound — бэкенд не нашёл товар по коду; состояние отличимо от FetchNone.
	FetchNotFound FetchState = "NOT_FOUND"
)

// PendingLine — единственная формируемая позиция до её принятия в корзину.
// QuantityRaw хранит ввод оператора как есть; нечисловое значение трактуется
// как ноль при производных расчётах и отсекается на этапе добавления в корзину.
type PendingLine struct {
	ItemCode    string
	Snapshot    *ProductSnapshot
	Fetch       FetchState
	QuantityRaw string
	Points      decimal.Decimal
}

// CartLine — принятая позиция корзины с замороженными на момент принятия суммой и баллами.
type CartLine struct {
	ID            int64           `json:"id"`
	ItemCode      string          `json:"item_code"`
	ProductName   string          `json:"product_name"`
	SKUCode       string          `json:"sku_code"`
	ModelNumber   string          `json:"model_number"`
	Quantity      int64           `json:"quantity"`
	StockAtAccept int64           `json:"stock_at_accept"`
	MRP           decimal.Decimal `json:"mrp"`
	SellRate      decimal.Decimal `json:"sell_rate"`
	Discount      decimal.Decimal `json:"discount"`
	Amount        decimal.Decimal `json:"amount"`
	Points        decimal.Decimal `json:"points"`
}

// PaymentMode — способ оплаты, выбираемый оператором при отправке.
type PaymentMode string

const (
	PaymentModeCash   PaymentMode = "CASH"
	PaymentModeCard   PaymentMode = "CARD"
	PaymentModeUPI    PaymentMode = "UPI"
	PaymentModeCredit PaymentMode = "CREDIT"
)

// Valid сообщает, входит ли способ оплаты в допустимый набор.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentModeCash, PaymentModeCard, PaymentModeUPI, PaymentModeCredit:
		return true
	}
	return false
}

// Completion описывает событие успешно отправленной партии списаний.
type Completion struct {
	SessionID     string          `json:"session_id"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone"`
	Items         int             `json:"items"`
	Total         decimal.Decimal `json:"total"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// Points вычисляет бонусные баллы по формуле (sellRate × qty / 1000) × 0.5
// с округлением до двух знаков.
func Points(sellRate decimal.Decimal, quantity int64) decimal.Decimal {
	return sellRate.
		Mul(decimal.NewFromInt(quantity)).
		Div(decimal.NewFromInt(1000)).
		Mul(decimal.NewFromFloat(0.5)).
		Round(2)
}

// Amount вычисляет сумму позиции: sellRate × quantity.
func Amount(sellRate decimal.Decimal, quantity int64) decimal.Decimal {
	return sellRate.Mul(decimal.NewFromInt(quantity))
}
