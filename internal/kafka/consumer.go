package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"

	"github.com/IBM/sarama"
)

// EventHandler обработчик входящего события
type EventHandler func(ctx context.Context, event *models.Event) error

const (
	consumeRetryDelay = time.Second
	// handlerAttempts число попыток обработать сообщение до его пропуска
	handlerAttempts = 3
)

// handlerBackoff базовая пауза между попытками, растёт линейно
var handlerBackoff = 200 * time.Millisecond

// errMalformed сообщение нельзя разобрать, повтор не поможет
var errMalformed = errors.New("malformed event")

// Consumer читает события компонента жалоб из consumer group
type Consumer struct {
	consumer sarama.ConsumerGroup
	log      *logger.Logger
	handlers map[models.EventType]EventHandler
	topics   []string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer создает consumer group, подписанную на топик жалоб
func NewConsumer(cfg *config.KafkaConfig, log *logger.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer: group,
		log:      log,
		handlers: make(map[models.EventType]EventHandler),
		topics:   []string{cfg.Topics.Complaints},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// NewTestConsumer создает Consumer поверх готовой группы
func NewTestConsumer(group sarama.ConsumerGroup, log *logger.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer: group,
		log:      log,
		handlers: make(map[models.EventType]EventHandler),
		topics:   []string{"complaints"},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler регистрирует обработчик для типа события
func (c *Consumer) RegisterHandler(eventType models.EventType, handler EventHandler) {
	c.handlers[eventType] = handler
}

// Handler возвращает обработчик типа события
func (c *Consumer) Handler(eventType models.EventType) EventHandler {
	return c.handlers[eventType]
}

// HandlerCount возвращает число зарегистрированных обработчиков
func (c *Consumer) HandlerCount() int {
	return len(c.handlers)
}

// Start запускает цикл чтения в отдельной горутине
func (c *Consumer) Start() error {
	if c.consumer == nil {
		return errors.New("consumer group is not initialized")
	}

	go func() {
		for err := range c.consumer.Errors() {
			c.log.WithError(err).Warn("Kafka consumer group error")
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.log.WithError(err).Error("Kafka consume failed")
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(consumeRetryDelay):
				}
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.log.WithField("topics", c.topics).Info("Kafka consumer started")
	return nil
}

// Stop останавливает чтение и закрывает группу
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Close()
}

// Setup вызывается sarama перед началом сессии
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается sarama по завершении сессии
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения партиции. Offset фиксируется после
// успешной обработки либо после исчерпания попыток. Если сессия завершилась
// во время повторов, сообщение не фиксируется и будет доставлено снова.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.settle(session.Context(), msg) {
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// settle обрабатывает сообщение с повторами. false означает, что ctx отменён
// до того, как сообщение было обработано или отброшено.
func (c *Consumer) settle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	for attempt := 1; ; attempt++ {
		err := c.processMessage(msg)
		if err == nil {
			return true
		}

		entry := c.log.WithError(err).WithFields(map[string]interface{}{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"attempt":   attempt,
		})
		if errors.Is(err, errMalformed) || attempt >= handlerAttempts {
			entry.Error("Dropping Kafka message")
			return true
		}
		entry.Warn("Kafka message handling failed, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(handlerBackoff * time.Duration(attempt)):
		}
	}
}

func (c *Consumer) processMessage(msg *sarama.ConsumerMessage) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.log.WithField("event_type", event.Type).Debug("No handler for event type")
		return nil
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := handler(ctx, &event); err != nil {
		return fmt.Errorf("handler for %s failed: %w", event.Type, err)
	}
	return nil
}
