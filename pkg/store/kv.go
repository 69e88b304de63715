package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultBucket    = "plexus"
	DefaultKVTimeout = 5 * time.Second

	technologyPrefix = "tech."
	loginPrefix      = "login."
)

// KV stores the records in a NATS JetStream key-value bucket.
type KV struct {
	nc      *nats.Conn
	bucket  jetstream.KeyValue
	timeout time.Duration
}

// OpenKV connects to the NATS server at url and creates the bucket if it
// does not exist yet.
func OpenKV(ctx context.Context, url, bucket string) (*KV, error) {
	nc, err := nats.Connect(url, nats.Name("plexus-store"))
	if err != nil {
		return nil, fmt.Errorf("store: connect to %s: %w", url, err)
	}
	kv, err := NewKV(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return kv, nil
}

// NewKV uses an established connection. The connection is closed along
// with the store.
func NewKV(ctx context.Context, nc *nats.Conn, bucket string) (*KV, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("store: jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "plexus technologies and logins",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("store: bucket %s: %w", bucket, err)
	}
	return &KV{nc: nc, bucket: kv, timeout: DefaultKVTimeout}, nil
}

func (s *KV) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *KV) get(ctx context.Context, key string, v any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	entry, err := s.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get %s: %w", key, err)
	}
	return json.Unmarshal(entry.Value(), v)
}

func (s *KV) GetTechnology(ctx context.Context, id string) (*Technology, error) {
	tech := &Technology{}
	if err := s.get(ctx, technologyPrefix+id, tech); err != nil {
		return nil, err
	}
	return tech, nil
}

func (s *KV) TechnologiesByType(ctx context.Context, typ string) ([]*Technology, error) {
	listCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	lister, err := s.bucket.ListKeys(listCtx)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer lister.Stop()

	var ids []string
	for key := range lister.Keys() {
		if id, ok := strings.CutPrefix(key, technologyPrefix); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var out []*Technology
	for _, id := range ids {
		tech, err := s.GetTechnology(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted while listing.
			continue
		}
		if err != nil {
			return nil, err
		}
		if tech.Type == typ {
			out = append(out, tech)
		}
	}
	return out, nil
}

func (s *KV) CreateTechnology(ctx context.Context, tech *Technology) error {
	if err := validate(tech); err != nil {
		return err
	}
	record := *tech
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	buf, err := json.Marshal(&record)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.bucket.Create(ctx, technologyPrefix+tech.ID, buf); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("store: create %s: %w", tech.ID, err)
	}
	return nil
}

func (s *KV) GetLogin(ctx context.Context, technologyID string) (*Login, error) {
	login := &Login{}
	if err := s.get(ctx, loginPrefix+technologyID, login); err != nil {
		return nil, err
	}
	return login, nil
}

func (s *KV) SetLogin(ctx context.Context, login *Login) error {
	if login == nil || login.TechnologyID == "" || login.UserID == "" {
		return ErrInvalid
	}
	record := *login
	if record.At.IsZero() {
		record.At = time.Now()
	}
	buf, err := json.Marshal(&record)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.bucket.Put(ctx, loginPrefix+login.TechnologyID, buf); err != nil {
		return fmt.Errorf("store: set login %s: %w", login.TechnologyID, err)
	}
	return nil
}

func (s *KV) ClearLogin(ctx context.Context, technologyID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.bucket.Delete(ctx, loginPrefix+technologyID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("store: clear login %s: %w", technologyID, err)
	}
	return nil
}

func (s *KV) Close() error {
	s.nc.Close()
	return nil
}
