package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"peercall/internal/models"
	"peercall/pkg/utils"
)

var log = logging.Logger("signaling")

// Compile-time interface check.
var _ Channel = (*RedisStore)(nil)

// Record hash fields. These are the wire names other endpoints rely on.
const (
	fieldCallerID   = "callerId"
	fieldReceiverID = "receiverId"
	fieldStatus     = "status"
	fieldOffer      = "offer"
	fieldAnswer     = "answer"
	fieldTimestamp  = "timestamp"
)

// streamReadBlock bounds one XREAD; it is also the worst-case delay between
// cancelling a candidate subscription and its goroutine exiting.
const streamReadBlock = time.Second

// RedisStore is a Channel backed by Redis. A record is the hash calls:{id};
// every mutation is announced on calls:{id}:changes and subscribers re-read
// the whole hash, which gives snapshot, at-least-once delivery. The two
// candidate sub-collections are streams read with XREAD, so per-collection
// FIFO order comes from the stream ids.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore connects to addr, which may be a redis:// URL or host:port.
func NewRedisStore(addr string) *RedisStore {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}
	return NewRedisStoreFromClient(rdb)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func recordKey(id string) string { return "calls:" + id }
func recordChanges(id string) string { return "calls:" + id + ":changes" }
func receiverIndex(rid string) string { return "calls:receiver:" + rid }
func receiverChanges(rid string) string { return "calls:receiver:" + rid + ":changes" }
func candidateStream(id string, role models.Role) string {
	return "calls:" + id + ":" + role.Collection()
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrChannelIO, op, err)
}

func encodeUpdate(u models.RecordUpdate) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if u.CallerID != nil {
		fields[fieldCallerID] = *u.CallerID
	}
	if u.ReceiverID != nil {
		fields[fieldReceiverID] = *u.ReceiverID
	}
	if u.Status != nil {
		fields[fieldStatus] = string(*u.Status)
	}
	if u.Offer != nil {
		raw, err := json.Marshal(u.Offer)
		if err != nil {
			return nil, err
		}
		fields[fieldOffer] = string(raw)
	}
	if u.Answer != nil {
		raw, err := json.Marshal(u.Answer)
		if err != nil {
			return nil, err
		}
		fields[fieldAnswer] = string(raw)
	}
	return fields, nil
}

func decodeRecord(id string, hash map[string]string) (*models.CallRecord, error) {
	rec := &models.CallRecord{
		ID:         id,
		CallerID:   hash[fieldCallerID],
		ReceiverID: hash[fieldReceiverID],
		Status:     models.CallStatus(hash[fieldStatus]),
	}
	if raw, ok := hash[fieldOffer]; ok && raw != "" {
		var offer webrtc.SessionDescription
		if err := json.Unmarshal([]byte(raw), &offer); err != nil {
			return nil, fmt.Errorf("decoding offer of %s: %w", id, err)
		}
		rec.Offer = &offer
	}
	if raw, ok := hash[fieldAnswer]; ok && raw != "" {
		var answer webrtc.SessionDescription
		if err := json.Unmarshal([]byte(raw), &answer); err != nil {
			return nil, fmt.Errorf("decoding answer of %s: %w", id, err)
		}
		rec.Answer = &answer
	}
	if raw, ok := hash[fieldTimestamp]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.CreatedAt = ts
		}
	}
	return rec, nil
}

func (s *RedisStore) CreateOrMerge(ctx context.Context, id string, u models.RecordUpdate) (err error) {
	defer func() { utils.ObserveOp("create", err) }()

	fields, err := encodeUpdate(u)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	key := recordKey(id)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if err := checkUpdate(id, current, u); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			pipe.HSetNX(ctx, key, fieldTimestamp, now.Format(time.RFC3339Nano))
			if u.ReceiverID != nil {
				pipe.ZAdd(ctx, receiverIndex(*u.ReceiverID), &redis.Z{
					Score:  float64(now.UnixMilli()),
					Member: id,
				})
			}
			return nil
		})
		return err
	}, key)
	if Refused(err) {
		return err
	}
	if err != nil {
		return ioError("create", err)
	}
	return s.notify(ctx, id)
}

func (s *RedisStore) Update(ctx context.Context, id string, u models.RecordUpdate) (err error) {
	defer func() { utils.ObserveOp("update", err) }()

	fields, err := encodeUpdate(u)
	if err != nil {
		return err
	}
	key := recordKey(id)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkUpdate(id, current, u); err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}, key)
	if Refused(err) {
		return err
	}
	if err != nil {
		return ioError("update", err)
	}
	return s.notify(ctx, id)
}

// load reads the record inside a WATCH transaction.
func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, id string) (*models.CallRecord, error) {
	hash, err := tx.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return decodeRecord(id, hash)
}

// notify announces a mutation to record and receiver subscribers.
func (s *RedisStore) notify(ctx context.Context, id string) error {
	if err := s.rdb.Publish(ctx, recordChanges(id), "1").Err(); err != nil {
		return ioError("publish", err)
	}
	rid, err := s.rdb.HGet(ctx, recordKey(id), fieldReceiverID).Result()
	if err == redis.Nil || rid == "" {
		return nil
	}
	if err != nil {
		return ioError("publish", err)
	}
	if err := s.rdb.Publish(ctx, receiverChanges(rid), id).Err(); err != nil {
		return ioError("publish", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.CallRecord, error) {
	hash, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, ioError("get", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return decodeRecord(id, hash)
}

func (s *RedisStore) SubscribeRecord(ctx context.Context, id string, fn func(models.CallRecord)) (func(), error) {
	return s.watch(ctx, recordChanges(id), func(subCtx context.Context) {
		rec, err := s.Get(subCtx, id)
		if errors.Is(err, ErrRecordNotFound) {
			return
		}
		if err != nil {
			log.Warnf("[%s] reading record: %v", id, err)
			return
		}
		fn(*rec)
	})
}

func (s *RedisStore) SubscribePending(ctx context.Context, receiverID string, fn func([]models.CallRecord)) (func(), error) {
	return s.watch(ctx, receiverChanges(receiverID), func(subCtx context.Context) {
		pending, err := s.pending(subCtx, receiverID)
		if err != nil {
			log.Warnf("reading pending calls for %s: %v", receiverID, err)
			return
		}
		fn(pending)
	})
}

func (s *RedisStore) pending(ctx context.Context, receiverID string) ([]models.CallRecord, error) {
	ids, err := s.rdb.ZRange(ctx, receiverIndex(receiverID), 0, -1).Result()
	if err != nil {
		return nil, ioError("pending", err)
	}
	var pending []models.CallRecord
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == models.StatusCalling {
			pending = append(pending, *rec)
		}
	}
	sortPending(pending)
	return pending, nil
}

// watch subscribes to channel, runs deliver once, then once per message, all
// on one goroutine so deliveries never overlap.
func (s *RedisStore) watch(ctx context.Context, channel string, deliver func(context.Context)) (func(), error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		utils.ObserveOp("subscribe", err)
		return nil, ioError("subscribe", err)
	}
	utils.ObserveOp("subscribe", nil)

	subCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer pubsub.Close()
		deliver(subCtx)
		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				if subCtx.Err() != nil {
					return
				}
				deliver(subCtx)
			}
		}
	}()

	return func() {
		stop()
		cancel()
	}, nil
}

func (s *RedisStore) CandidateWriter(id string, role models.Role) CandidateWriter {
	return redisCandidates{store: s, stream: candidateStream(id, role)}
}

func (s *RedisStore) CandidateReader(id string, role models.Role) CandidateReader {
	return redisCandidates{store: s, stream: candidateStream(id, role)}
}

type redisCandidates struct {
	store  *RedisStore
	stream string
}

func (c redisCandidates) Append(ctx context.Context, candidate webrtc.ICECandidateInit) (err error) {
	defer func() { utils.ObserveOp("append", err) }()

	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	err = c.store.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{"candidate": string(raw)},
	}).Err()
	if err != nil {
		return ioError("append", err)
	}
	return nil
}

func (c redisCandidates) Subscribe(ctx context.Context, fn func(webrtc.ICECandidateInit)) (func(), error) {
	subCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		lastID := "0"
		for subCtx.Err() == nil {
			streams, err := c.store.rdb.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{c.stream, lastID},
				Count:   64,
				Block:   streamReadBlock,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				log.Warnf("reading %s: %v", c.stream, err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(streamReadBlock):
				}
				continue
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					raw, _ := msg.Values["candidate"].(string)
					var candidate webrtc.ICECandidateInit
					if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
						log.Warnf("skipping malformed candidate %s in %s: %v", msg.ID, c.stream, err)
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					fn(candidate)
				}
			}
		}
	}()

	return func() {
		stop()
		cancel()
	}, nil
}
