// pkg/kafka/consumer/config.go
package consumer

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
)

// buildSaramaConfig переводит kafka.ConsumerConfig в *sarama.Config.
// cfg должен уже пройти ApplyDefaults.
func buildSaramaConfig(cfg kafka.ConsumerConfig) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid Version %q: %w", cfg.Version, err)
	}

	sc := sarama.NewConfig()
	sc.Version = version
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Consumer.Return.Errors = true

	// Session / heartbeat
	sc.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = cfg.SessionTimeout / 3

	// Offsets
	sc.Consumer.Offsets.AutoCommit.Enable = cfg.EnableAutoCommit
	sc.Consumer.Offsets.AutoCommit.Interval = cfg.AutoCommitInterval
	switch strings.ToLower(cfg.InitialOffset) {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest", "":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("kafka consumer: invalid InitialOffset %q", cfg.InitialOffset)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka consumer: sarama config: %w", err)
	}
	return sc, nil
}
