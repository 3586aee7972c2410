// Package cart реализует упорядоченную коллекцию принятых позиций списания.
package cart

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/stockout-system/internal/model"
	"github.com/mmeshcher/stockout-system/internal/validation"
)

// ErrCustomerUnresolved возвращается при попытке добавить позицию без подтверждённого покупателя.
var (
	ErrCustomerUnresolved = errors.New("customer is not resolved")
	// ErrNoSnapshot возвращается, если у позиции нет привязанного снимка товара.
	ErrNoSnapshot = errors.New("pending line has no product snapshot")
	// ErrBadQuantity возвращается, если количество отсутствует или не больше нуля.
	ErrBadQuantity = errors.New("quantity must be a number greater than zero")
	// ErrStockExceeded возвращается, если количество превышает остаток из снимка.
	ErrStockExceeded = errors.New("quantity exceeds available stock")
	// ErrDuplicateItem возвращается, если код товара уже есть в корзине.
	ErrDuplicateItem = errors.New("item code already in cart")
)

// Cart — упорядоченная коллекция позиций списания.
// Порядок вставки сохраняется для отображения и расчёта итога.
// Идентификаторы позиций монотонно растут и не переиспользуются в рамках сессии.
// Коллекция не потокобезопасна: ей владеет ровно одна сессия рабочего процесса.
type Cart struct {
	lines  []model.CartLine
	nextID int64
}

// New создаёт пустую корзину.
func New() *Cart {
	return &Cart{nextID: 1}
}

// Add проверяет формируемую позицию и при успехе добавляет её в конец корзины.
// Проверки выполняются в фиксированном порядке, первая неуспешная прерывает добавление.
func (c *Cart) Add(pending model.PendingLine, customerVerified bool) (model.CartLine, error) {
	if !customerVerified {
		return model.CartLine{}, ErrCustomerUnresolved
	}

	if pending.Fetch != model.FetchFound || pending.Snapshot == nil {
		return model.CartLine{}, ErrNoSnapshot
	}

	qty := validation.ParseQuantity(pending.QuantityRaw)
	if qty <= 0 {
		return model.CartLine{}, ErrBadQuantity
	}

	if qty > pending.Snapshot.CurrentQuantity {
		return model.CartLine{}, ErrStockExceeded
	}

	code := strings.TrimSpace(pending.ItemCode)
	for _, l := range c.lines {
		if l.ItemCode == code {
			return model.CartLine{}, ErrDuplicateItem
		}
	}

	snap := pending.Snapshot
	line := model.CartLine{
		ID:            c.nextID,
		ItemCode:      code,
		ProductName:   snap.ProductName,
		SKUCode:       snap.SKUCode,
		ModelNumber:   snap.ModelNumber,
		Quantity:      qty,
		StockAtAccept: snap.CurrentQuantity,
		MRP:           snap.MRP,
		SellRate:      snap.SellRate,
		Discount:      snap.Discount,
		Amount:        model.Amount(snap.SellRate, qty),
		Points:        model.Points(snap.SellRate, qty),
	}

	c.nextID++
	c.lines = append(c.lines, line)

	return line, nil
}

// Remove удаляет позицию по идентификатору. Оставшиеся позиции не перенумеровываются.
func (c *Cart) Remove(id int64) bool {
	for i, l := range c.lines {
		if l.ID == id {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return true
		}
	}
	return false
}

// Lines возвращает копию позиций в порядке добавления.
func (c *Cart) Lines() []model.CartLine {
	out := make([]model.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// Len возвращает количество позиций в корзине.
func (c *Cart) Len() int {
	return len(c.lines)
}

// Total возвращает сумму Amount по всем позициям. Итог всегда пересчитывается
// по текущему списку, кэша нет.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.Amount)
	}
	return total
}

// Clear удаляет все позиции. Счётчик идентификаторов не сбрасывается.
func (c *Cart) Clear() {
	c.lines = nil
}
