package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/resilience"
)

const (
	DefaultIngestSubject        = "guidance.ingest"
	DefaultCorpusUpdatedSubject = "guidance.corpus.updated"
	workerQueueGroup            = "workers"
)

// Queue carries ingestion payloads to workers and corpus-updated
// notifications to every API replica.
type Queue struct {
	conn          *nats.Conn
	ingestSubject string
	corpusSubject string
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	IngestSubject        string
	CorpusUpdatedSubject string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("guidance-retrieval"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		ingestSubject: firstNonEmpty(options.IngestSubject, DefaultIngestSubject),
		corpusSubject: firstNonEmpty(options.CorpusUpdatedSubject, DefaultCorpusUpdatedSubject),
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishCorpusUpdated(ctx context.Context, organization string) error {
	org := strings.ToLower(strings.TrimSpace(organization))
	return q.publish(ctx, "corpus_updated", q.corpusSubject, []byte(org))
}

// PublishIngest hands a crawled document to the worker queue group.
func (q *Queue) PublishIngest(ctx context.Context, payload domain.IngestPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}
	return q.publish(ctx, "ingest", q.ingestSubject, data)
}

func (q *Queue) publish(ctx context.Context, op, subject string, data []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish."+op, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeIngest blocks until ctx is done. Payloads are load-balanced
// across the worker queue group.
func (q *Queue) SubscribeIngest(ctx context.Context, handler func(context.Context, domain.IngestPayload) error) error {
	return q.subscribe(ctx, q.ingestSubject, workerQueueGroup, func(msgCtx context.Context, data []byte) {
		if err := handleIngestMessage(msgCtx, data, handler); err != nil {
			q.logger.Error("ingest_handler_failed", "subject", q.ingestSubject, "error", err)
		}
	})
}

// SubscribeCorpusUpdated blocks until ctx is done. Every subscriber sees
// every update.
func (q *Queue) SubscribeCorpusUpdated(ctx context.Context, handler func(context.Context, string)) error {
	return q.subscribe(ctx, q.corpusSubject, "", func(msgCtx context.Context, data []byte) {
		handler(msgCtx, strings.TrimSpace(string(data)))
	})
}

func (q *Queue) subscribe(ctx context.Context, subject, group string, handle func(context.Context, []byte)) error {
	callback := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		handle(handlerCtx, msg.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = q.conn.QueueSubscribe(subject, group, callback)
	} else {
		sub, err = q.conn.Subscribe(subject, callback)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func handleIngestMessage(ctx context.Context, data []byte, handler func(context.Context, domain.IngestPayload) error) error {
	var payload domain.IngestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode ingest payload", err)
	}
	return handler(ctx, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
