package queue

import (
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/SirClappington/relay/internal/config"
)

// FromConfig builds the configured queue driver.
func FromConfig(cfg config.Config) (Queue, error) {
	switch cfg.QueueDriver {
	case "redis", "":
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		return NewRedisQ(rdb), nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, errors.Wrap(err, "dial amqp")
		}
		return NewAMQPQ(conn)
	default:
		return nil, errors.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
