// pkg/kafka/consumer/handler.go
package consumer

import (
	"context"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
)

// groupHandler переводит жизненный цикл сессии Sarama в колбэки
// RebalanceListener и складывает сообщения всех claims в gc.events.
type groupHandler struct {
	gc *groupConsumer
}

func claimsOf(sess sarama.ConsumerGroupSession) []kafka.TopicPartition {
	var tps []kafka.TopicPartition
	for topic, parts := range sess.Claims() {
		for _, p := range parts {
			tps = append(tps, kafka.TopicPartition{Topic: topic, Partition: p})
		}
	}
	kafka.SortTopicPartitions(tps)
	return tps
}

// Setup вызывается после ребаланса, до первого ConsumeClaim.
func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	consumerMetrics.Sessions.WithLabelValues(serviceLabel).Inc()
	assigned := claimsOf(sess)

	h.gc.mu.Lock()
	h.gc.sess = sess
	h.gc.owned = make(map[kafka.TopicPartition]struct{}, len(assigned))
	for _, tp := range assigned {
		h.gc.owned[tp] = struct{}{}
	}
	h.gc.mu.Unlock()

	h.gc.log.Debug("session setup",
		zap.String("member_id", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
	)
	h.gc.listener.OnPartitionsAssigned(sess.Context(), assigned)
	return nil
}

// Cleanup вызывается, когда все ConsumeClaim завершились: партиции отзываются.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	revoked := claimsOf(sess)

	h.gc.mu.Lock()
	h.gc.sess = nil
	h.gc.owned = make(map[kafka.TopicPartition]struct{})
	h.gc.pending = make(map[kafka.TopicPartition]int64)
	h.gc.mu.Unlock()

	h.gc.listener.OnPartitionsRevoked(context.Background(), revoked)
	return nil
}

// ConsumeClaim отдаёт сообщения одной партиции по одному; следующее
// сообщение не читается, пока Poll не забрал предыдущее.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.send(sess, event{rec: toRecord(m)}) {
				return nil
			}
			if h.gc.cfg.EnablePartitionEOF && m.Offset+1 >= claim.HighWaterMarkOffset() {
				eof := &kafka.PartitionEOF{
					TopicPartition: kafka.TopicPartition{Topic: m.Topic, Partition: m.Partition},
					Offset:         m.Offset + 1,
				}
				if !h.send(sess, event{err: eof}) {
					return nil
				}
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) send(sess sarama.ConsumerGroupSession, ev event) bool {
	select {
	case h.gc.events <- ev:
		return true
	case <-sess.Context().Done():
		return false
	}
}

func toRecord(m *sarama.ConsumerMessage) *kafka.Record {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for _, hdr := range m.Headers {
		if hdr == nil {
			continue
		}
		headers = append(headers, kafka.Header{Key: hdr.Key, Value: hdr.Value})
	}
	return &kafka.Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Timestamp: m.Timestamp,
	}
}
