package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"

	"github.com/IBM/sarama"
)

// Producer публикует события жизненного цикла ваучеров и подарочных карт
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	topics   *config.Topics
}

// NewProducer создает синхронного продюсера Kafka
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true
	// повтор отправки после сетевой ошибки не должен дублировать списание в топике
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.WithField("brokers", cfg.Brokers).Info("Kafka producer created")

	return &Producer{
		producer: producer,
		log:      log,
		topics:   &cfg.Topics,
	}, nil
}

// Close закрывает продюсера
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// PublishVoucherEvent публикует событие ваучера. Ключ сообщения это ID ваучера,
// поэтому события одного ваучера попадают в одну партицию по порядку.
func (p *Producer) PublishVoucherEvent(eventType models.EventType, v *models.Voucher, at time.Time) error {
	data := models.VoucherEventData{
		VoucherID:  v.ID,
		Code:       v.Code,
		CustomerID: v.CustomerID,
		Status:     v.Status,
	}
	if v.RedeemedOrderID != nil {
		data.OrderID = *v.RedeemedOrderID
	}
	if v.DiscountAmount != nil {
		data.DiscountAmount = *v.DiscountAmount
	}
	if v.ApprovedBy != nil {
		data.By = *v.ApprovedBy
	}

	event, err := models.NewEvent(eventType, v.TenantID, data, at)
	if err != nil {
		return err
	}
	return p.publishEvent(p.topics.Vouchers, v.ID.String(), *event)
}

// PublishGiftCardEvent публикует событие подарочной карты
func (p *Producer) PublishGiftCardEvent(eventType models.EventType, card *models.GiftCard, amount int64, orderID string, at time.Time) error {
	data := models.GiftCardEventData{
		GiftCardID: card.ID,
		Code:       card.Code,
		Status:     card.Status,
		Amount:     amount,
		Balance:    card.CurrentBalance,
		OrderID:    orderID,
	}

	event, err := models.NewEvent(eventType, card.TenantID, data, at)
	if err != nil {
		return err
	}
	return p.publishEvent(p.topics.GiftCards, card.ID.String(), *event)
}

func (p *Producer) publishEvent(topic, key string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
			{Key: []byte("tenant_id"), Value: []byte(event.TenantID)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send event %s: %w", event.Type, err)
	}

	p.log.WithFields(map[string]interface{}{
		"topic":      topic,
		"event_type": event.Type,
		"event_id":   event.ID,
		"partition":  partition,
		"offset":     offset,
	}).Debug("Event published")

	return nil
}
