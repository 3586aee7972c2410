// Package events рассылает сигнал о завершённой партии списаний.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockout-system/internal/model"
)

// Publisher доставляет событие завершения подписчикам внутри процесса
// и, если настроен брокер, в топик Kafka для соседних сервисов.
type Publisher struct {
	mu     sync.Mutex
	subs   []chan model.Completion
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher создаёт издатель событий. При пустом адресе брокера
// публикация ограничивается подписчиками внутри процесса.
func NewPublisher(kafkaAddr, topic string, logger *zap.Logger) *Publisher {
	p := &Publisher{logger: logger}

	if kafkaAddr != "" {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(kafkaAddr),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}

	return p
}

// Subscribe возвращает канал событий завершения. Канал буферизован:
// медленный подписчик теряет события, а не блокирует публикацию.
func (p *Publisher) Subscribe() <-chan model.Completion {
	ch := make(chan model.Completion, 8)

	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	return ch
}

// Publish рассылает событие завершения. Сбой доставки в Kafka логируется
// и не влияет на результат отправки партии.
func (p *Publisher) Publish(ctx context.Context, c model.Completion) {
	p.mu.Lock()
	for _, ch := range p.subs {
		select {
		case ch <- c:
		default:
		}
	}
	writer := p.writer
	p.mu.Unlock()

	if writer == nil {
		return
	}

	data, err := json.Marshal(c)
	if err != nil {
		p.logger.Error("marshal completion event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(c.SessionID),
		Value: data,
		Time:  time.Now().UTC(),
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish completion event", zap.Error(err), zap.String("session", c.SessionID))
	}
}

// Close закрывает соединение с брокером, если оно было открыто.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
