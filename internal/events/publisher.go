package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/netroby/scm-manager/pkg/plugin"
)

// Message 是转发给消息中间件的生命周期事件。
type Message struct {
	EventID    string           `json:"event_id"`
	Kind       plugin.EventKind `json:"kind"`
	PluginID   string           `json:"plugin_id"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Publisher 将消息投递到外部系统。
type Publisher interface {
	Driver() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RedisConfig 描述 Redis 发布订阅的连接参数。
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher 通过 PUBLISH 将事件广播到 Redis 频道。
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher 创建 Redis 发布者并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisPublisherFromClient(client, cfg.Channel), nil
}

// NewRedisPublisherFromClient 使用已有的客户端创建发布者。
func NewRedisPublisherFromClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "scm.plugin.events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Driver 返回驱动名称。
func (p *RedisPublisher) Driver() string { return "redis" }

// Publish 将消息序列化后发布到频道。
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// RabbitMQConfig 描述 RabbitMQ 交换机的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQPublisher 将事件发布到 fanout 交换机，路由键为事件类型。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "scm.plugin.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Driver 返回驱动名称。
func (p *RabbitMQPublisher) Driver() string { return "rabbitmq" }

// Publish 将消息投递到交换机。
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布者未初始化")
	}
	return p.ch.PublishWithContext(ctx, p.exchange, string(msg.Kind), false, false, toPublishing(msg))
}

func toPublishing(msg Message) amqp.Publishing {
	body, _ := json.Marshal(msg)
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    msg.EventID,
		Timestamp:    msg.OccurredAt,
		Type:         string(msg.Kind),
		Body:         body,
	}
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = (*RabbitMQPublisher)(nil)
)
