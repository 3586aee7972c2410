// Package validation содержит функции валидации входных данных.
package validation

import (
	"strconv"
	"strings"
)

// MinQueryLength — минимальная длина поискового ключа покупателя,
// при которой выполняется обращение к бэкенду.
const MinQueryLength = 4

// IsSearchableQuery сообщает, достаточно ли длинный поисковый ключ для запроса поиска.
func IsSearchableQuery(query string) bool {
	return len(strings.TrimSpace(query)) >= MinQueryLength
}

// ParseQuantity разбирает ввод количества оператором.
// Пустое или нечисловое значение трактуется как ноль, а не как ошибка:
// производные расчёты остаются определёнными, а нулевое количество
// отклоняется уже проверками корзины.
func ParseQuantity(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
