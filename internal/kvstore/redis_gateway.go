package kvstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/redis/go-redis/v9"
)

// ConnectOptions configures the redis-backed Gateway. Host/Port/Password
// are read by the caller from environment or a Docker-secret file before
// being passed here.
type ConnectOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
	Retry    RetryPolicy
}

// SecretFileOrEnv reads value from the file at secretPath if it exists and
// is non-empty (the Docker-secret convention), otherwise falls back to the
// already-resolved env value.
func SecretFileOrEnv(secretPath, envValue string) string {
	if secretPath == "" {
		return envValue
	}
	data, err := os.ReadFile(secretPath)
	if err != nil {
		return envValue
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return envValue
	}
	return v
}

// redisGateway is the production Gateway backed by go-redis.
type redisGateway struct {
	client *redis.Client
	retry  RetryPolicy
}

// Connect dials the KV store with bounded retry (5 attempts, 1s spacing
// by default).
func Connect(ctx context.Context, opts ConnectOptions) (Gateway, error) {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultConnectRetry
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
	})

	var lastErr error
	for attempt := 1; attempt <= opts.Retry.MaxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logging.Log.WithField("attempt", attempt).Info("connected to KV store")
			return &redisGateway{client: client, retry: DefaultWatchRetry}, nil
		}
		logging.Log.WithError(lastErr).WithField("attempt", attempt).Warn("KV store connect attempt failed")
		if attempt < opts.Retry.MaxAttempts {
			time.Sleep(opts.Retry.Spacing)
		}
	}
	return nil, fmt.Errorf("kvstore: failed to connect after %d attempts: %w", opts.Retry.MaxAttempts, lastErr)
}

func (g *redisGateway) Close() error { return g.client.Close() }

func (g *redisGateway) Incr(ctx context.Context, key string) (int64, error) {
	return g.client.Incr(ctx, key).Result()
}

func (g *redisGateway) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return g.client.HGetAll(ctx, key).Result()
}

func (g *redisGateway) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := g.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *redisGateway) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return g.client.HSet(ctx, key, args...).Err()
}

func (g *redisGateway) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return g.client.HDel(ctx, key, fields...).Err()
}

func (g *redisGateway) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return g.client.SAdd(ctx, key, args...).Err()
}

func (g *redisGateway) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return g.client.SRem(ctx, key, args...).Err()
}

func (g *redisGateway) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

func (g *redisGateway) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return g.client.RPush(ctx, key, args...).Err()
}

func (g *redisGateway) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return g.client.LRange(ctx, key, start, stop).Result()
}

func (g *redisGateway) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

func (g *redisGateway) Publish(ctx context.Context, channel, message string) error {
	return g.client.Publish(ctx, channel, message).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
	done   chan struct{}
}

func (s *redisSubscription) Channel() <-chan string { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (g *redisGateway) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := g.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan string, 32),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case sub.ch <- msg.Payload:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub, nil
}

// redisReader implements Reader against a transaction snapshot.
type redisReader struct {
	ctx context.Context
	tx  *redis.Tx
}

func (r *redisReader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.tx.HGetAll(ctx, key).Result()
}

func (r *redisReader) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.tx.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisReader) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.tx.SMembers(ctx, key).Result()
}

func (r *redisReader) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.tx.LRange(ctx, key, start, stop).Result()
}

func (g *redisGateway) RunAtomic(ctx context.Context, watchKeys []string, fn func(ctx context.Context, r Reader, w *Writer) error) error {
	retry := g.retry
	if retry.MaxAttempts == 0 {
		retry = DefaultWatchRetry
	}

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		txFn := func(tx *redis.Tx) error {
			reader := &redisReader{ctx: ctx, tx: tx}
			writer := &Writer{}
			if err := fn(ctx, reader, writer); err != nil {
				return err
			}
			if len(writer.ops) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				applyOps(ctx, pipe, writer.ops)
				return nil
			})
			return err
		}

		err := g.client.Watch(ctx, txFn, watchKeys...)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			logging.Log.WithField("attempt", attempt).WithField("keys", watchKeys).Debug("watch conflict, retrying")
			if attempt < retry.MaxAttempts {
				time.Sleep(retry.Spacing)
			}
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %d attempts against %s", ErrWatchConflict, retry.MaxAttempts, strings.Join(watchKeys, ","))
}

func applyOps(ctx context.Context, pipe redis.Pipeliner, ops []Op) {
	for _, o := range ops {
		switch o.Kind {
		case OpHSet:
			if len(o.Values) == 0 {
				continue
			}
			args := make([]interface{}, 0, len(o.Values)*2)
			for k, v := range o.Values {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, o.Key, args...)
		case OpHIncrBy:
			pipe.HIncrBy(ctx, o.Key, o.Field, o.Delta)
		case OpHDel:
			if len(o.Fields) > 0 {
				pipe.HDel(ctx, o.Key, o.Fields...)
			}
		case OpSAdd:
			if len(o.Members) > 0 {
				args := make([]interface{}, len(o.Members))
				for i, m := range o.Members {
					args[i] = m
				}
				pipe.SAdd(ctx, o.Key, args...)
			}
		case OpSRem:
			if len(o.Members) > 0 {
				args := make([]interface{}, len(o.Members))
				for i, m := range o.Members {
					args[i] = m
				}
				pipe.SRem(ctx, o.Key, args...)
			}
		case OpRPush:
			if len(o.Members) > 0 {
				args := make([]interface{}, len(o.Members))
				for i, m := range o.Members {
					args[i] = m
				}
				pipe.RPush(ctx, o.Key, args...)
			}
		case OpDel:
			pipe.Del(ctx, o.Key)
		case OpPublish:
			pipe.Publish(ctx, o.Channel, o.Message)
		}
	}
}
