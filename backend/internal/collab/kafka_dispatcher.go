package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher 把已提交的绘制事件异步发到 Kafka：
// Enqueue 只入队，worker 发送并按指数退避重试，重试耗尽就丢弃（事件不要求必达）。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CellDrawnEvent

	// sem 限制并发的 SendMessage 数量。
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log     *slog.Logger
	onDrop  func()
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
	// OnDrop 在事件重试耗尽被丢弃时调用（metrics）
	OnDrop func()
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 2 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan CellDrawnEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         opt.Logger,
		onDrop:      opt.OnDrop,
	}

	d.start()
	return d
}

// Enqueue 把事件放入本地队列；队列满时最多等到 ctx 结束。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt CellDrawnEvent) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return context.Canceled
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := range d.workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for evt := range d.queue {
				d.deliver(i, evt)
			}
		}()
	}
}

// Close stops accepting events and waits until the queue is drained.
func (d *KafkaDispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()
	d.wg.Wait()
}

// Pending is the number of events waiting in the local queue.
func (d *KafkaDispatcher) Pending() int { return len(d.queue) }

// deliver 最多尝试 maxRetry+1 次，失败后丢弃。
func (d *KafkaDispatcher) deliver(worker int, evt CellDrawnEvent) {
	msg, err := d.message(evt)
	if err != nil {
		d.log.Error("encode cell event", "canvas", evt.CanvasID, "key", evt.Key, "err", err)
		d.drop()
		return
	}
	backoff := d.baseBackoff
	for attempt := 0; ; attempt++ {
		if err = d.send(msg); err == nil {
			return
		}
		if attempt >= d.maxRetry {
			break
		}
		d.log.Debug("kafka send retry", "canvas", evt.CanvasID, "attempt", attempt+1, "err", err)
		time.Sleep(backoff)
		backoff = min(backoff*2, d.maxBackoff)
	}
	d.log.Warn("kafka send failed, drop event",
		"canvas", evt.CanvasID, "key", evt.Key, "cell", evt.Cell, "worker", worker, "err", err)
	d.drop()
}

func (d *KafkaDispatcher) drop() {
	if d.onDrop != nil {
		d.onDrop()
	}
}

// send 持有信号量期间调用一次 SendMessage；worker 可以一直等信号量，不影响绘制。
func (d *KafkaDispatcher) send(msg *sarama.ProducerMessage) error {
	if d.producer == nil {
		return nil
	}
	if d.sem != nil {
		_ = d.sem.Acquire(context.Background())
		defer d.sem.Release()
	}
	_, _, err := d.producer.SendMessage(msg)
	return err
}

// 同一画布的事件用 canvasId 作 key，进同一个分区，保持顺序
func (d *KafkaDispatcher) message(evt CellDrawnEvent) (*sarama.ProducerMessage, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic:     d.topic,
		Key:       sarama.StringEncoder(evt.CanvasID),
		Value:     sarama.ByteEncoder(b),
		Timestamp: evt.DrawnAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(evt.EventType)},
			{Key: []byte("author"), Value: []byte(evt.Author)},
		},
	}, nil
}

// NewSyncProducer builds the producer used by the dispatcher.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0 // 重试由 dispatcher 负责
	cfg.Producer.Timeout = 5 * time.Second
	return sarama.NewSyncProducer(brokers, cfg)
}
