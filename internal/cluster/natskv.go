package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DefaultLeaseBucket = "health_router_leader"
	DefaultLeaseKey    = "router"
)

// NATSLeaseStore keeps the lease in a JetStream key-value bucket. Writes are
// guarded by the entry revision, so two nodes cannot both win a round.
type NATSLeaseStore struct {
	kv  nats.KeyValue
	key string
	now func() time.Time
}

type leaseRecord struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

// NewNATSLeaseStore binds to bucket, creating it with the given ttl if missing
func NewNATSLeaseStore(js nats.JetStreamContext, bucket, key string, ttl time.Duration) (*NATSLeaseStore, error) {
	if bucket == "" {
		bucket = DefaultLeaseBucket
	}
	if key == "" {
		key = DefaultLeaseKey
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "health router leader lease",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind lease bucket %s: %w", bucket, err)
	}
	return &NATSLeaseStore{kv: kv, key: key, now: time.Now}, nil
}

func (s *NATSLeaseStore) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	data, err := s.encode(holder, ttl)
	if err != nil {
		return false, err
	}

	current, rev, err := s.read()
	if errors.Is(err, nats.ErrKeyNotFound) {
		if _, err := s.kv.Create(s.key, data); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return false, nil
			}
			return false, fmt.Errorf("create lease: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if current.Holder != holder && current.Expires.After(s.now()) {
		return false, nil
	}
	return s.update(data, rev)
}

func (s *NATSLeaseStore) Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	current, rev, err := s.read()
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Holder != holder {
		return false, nil
	}

	data, err := s.encode(holder, ttl)
	if err != nil {
		return false, err
	}
	return s.update(data, rev)
}

func (s *NATSLeaseStore) Release(ctx context.Context, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	current, rev, err := s.read()
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Holder != holder {
		return nil
	}
	if err := s.kv.Delete(s.key, nats.LastRevision(rev)); err != nil && !isRevisionConflict(err) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *NATSLeaseStore) Holder(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	current, _, err := s.read()
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !current.Expires.After(s.now()) {
		return "", nil
	}
	return current.Holder, nil
}

func (s *NATSLeaseStore) read() (leaseRecord, uint64, error) {
	entry, err := s.kv.Get(s.key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return leaseRecord{}, 0, err
		}
		return leaseRecord{}, 0, fmt.Errorf("read lease: %w", err)
	}

	var rec leaseRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		// an unreadable record is treated as expired so it can be replaced
		return leaseRecord{}, entry.Revision(), nil
	}
	return rec, entry.Revision(), nil
}

func (s *NATSLeaseStore) update(data []byte, rev uint64) (bool, error) {
	if _, err := s.kv.Update(s.key, data, rev); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("update lease: %w", err)
	}
	return true, nil
}

func (s *NATSLeaseStore) encode(holder string, ttl time.Duration) ([]byte, error) {
	data, err := json.Marshal(leaseRecord{Holder: holder, Expires: s.now().Add(ttl)})
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}
	return data, nil
}

func isRevisionConflict(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
