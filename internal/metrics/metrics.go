// Package metrics содержит счётчики Prometheus сервиса складских списаний.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics объединяет счётчики рабочего процесса списаний.
// Нулевой указатель допустим: все методы в этом случае ничего не делают,
// что позволяет не регистрировать коллекторы в тестах.
type Metrics struct {
	Lookups        *prometheus.CounterVec
	SnapshotFetch  *prometheus.CounterVec
	CartRejections *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
}

// New создаёт и регистрирует счётчики в реестре по умолчанию.
func New() *Metrics {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockout",
		Name:      "customer_lookups_total",
		Help:      "Customer lookup attempts by outcome.",
	}, []string{"outcome"})
	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockout",
		Name:      "snapshot_fetches_total",
		Help:      "Product snapshot fetches by outcome.",
	}, []string{"outcome"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockout",
		Name:      "cart_rejections_total",
		Help:      "Cart admission rejections by reason.",
	}, []string{"reason"})
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockout",
		Name:      "submissions_total",
		Help:      "Batch submissions by result.",
	}, []string{"result"})

	prometheus.MustRegister(lookups, fetches, rejections, submissions)

	return &Metrics{
		Lookups:        lookups,
		SnapshotFetch:  fetches,
		CartRejections: rejections,
		Submissions:    submissions,
	}
}

// IncLookup увеличивает счётчик поисков покупателя.
func (m *Metrics) IncLookup(outcome string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(outcome).Inc()
}

// IncSnapshotFetch увеличивает счётчик запросов снимка товара.
func (m *Metrics) IncSnapshotFetch(outcome string) {
	if m == nil {
		return
	}
	m.SnapshotFetch.WithLabelValues(outcome).Inc()
}

// IncCartRejection увеличивает счётчик отказов корзины.
func (m *Metrics) IncCartRejection(reason string) {
	if m == nil {
		return
	}
	m.CartRejections.WithLabelValues(reason).Inc()
}

// IncSubmission увеличивает счётчик отправок партии.
func (m *Metrics) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
}

// Handler возвращает HTTP-обработчик экспорта метрик.
func Handler() http.Handler {
	return promhttp.Handler()
}
