package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Shavakan/app-lease/pkg/identity"
)

// Server-side scripts make the owner check and the write a single atomic
// step, which is what gives the Valkey lease its mutual exclusion.
var (
	acquireScript = redis.NewScript(`
		local held = redis.call('GET', KEYS[1])
		if held == false or held == ARGV[1] then
			redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
			return 1
		end
		return 0
	`)

	renewScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
			return 1
		end
		return 0
	`)

	changeScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
			return 1
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			redis.call('DEL', KEYS[1])
			return 1
		end
		return 0
	`)
)

// ValkeyConfig holds configuration for the Valkey lease store.
type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces the lease and document keys.
	KeyPrefix string

	// LeaseName scopes the keys within the prefix.
	LeaseName string

	// ExtendDuration is the lease duration granted by renewals and
	// ownership transfers.
	ExtendDuration time.Duration
}

// ValkeyStore implements Store on Valkey/Redis.
type ValkeyStore struct {
	client *redis.Client
	cfg    ValkeyConfig
}

var _ Store = (*ValkeyStore)(nil)

// NewValkeyStore creates a Valkey-backed lease store.
func NewValkeyStore(cfg ValkeyConfig) *ValkeyStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewValkeyStoreWithClient(client, cfg)
}

// NewValkeyStoreWithClient creates a store with an existing client (for testing).
func NewValkeyStoreWithClient(client *redis.Client, cfg ValkeyConfig) *ValkeyStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "app-lease:"
	}
	if cfg.ExtendDuration <= 0 {
		cfg.ExtendDuration = 60 * time.Second
	}
	return &ValkeyStore{client: client, cfg: cfg}
}

func (s *ValkeyStore) leaseKey() string {
	return s.cfg.KeyPrefix + s.cfg.LeaseName + ":lease"
}

func (s *ValkeyStore) documentKey() string {
	return s.cfg.KeyPrefix + s.cfg.LeaseName + ":meta"
}

// CreateContainerIfMissing is a no-op for Valkey; the keyspace needs no
// provisioning. Reports not-created to keep create/delete symmetric.
func (s *ValkeyStore) CreateContainerIfMissing(ctx context.Context) (bool, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, fmt.Errorf("failed to reach valkey: %w", err)
	}
	return false, nil
}

// CreateDocumentIfMissing writes the metadata document only if absent.
func (s *ValkeyStore) CreateDocumentIfMissing(ctx context.Context, doc *Document) (bool, error) {
	payload, err := marshalDocument(doc)
	if err != nil {
		return false, err
	}

	created, err := s.client.SetNX(ctx, s.documentKey(), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create document: %w", err)
	}
	return created, nil
}

// ReadDocument returns the metadata document, empty if never written.
func (s *ValkeyStore) ReadDocument(ctx context.Context) (*Document, error) {
	data, err := s.client.Get(ctx, s.documentKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

// WriteDocument overwrites the metadata document.
func (s *ValkeyStore) WriteDocument(ctx context.Context, doc *Document) error {
	payload, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.documentKey(), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// Acquire takes the lease for id with a PX TTL.
func (s *ValkeyStore) Acquire(ctx context.Context, id identity.Identity, duration time.Duration) error {
	ok, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey()}, id.String(), duration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

// Renew extends the lease held by id.
func (s *ValkeyStore) Renew(ctx context.Context, id identity.Identity) error {
	ok, err := renewScript.Run(ctx, s.client,
		[]string{s.leaseKey()}, id.String(), s.cfg.ExtendDuration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

// Change atomically transfers the lease from one identity to another.
func (s *ValkeyStore) Change(ctx context.Context, from, to identity.Identity) error {
	ok, err := changeScript.Run(ctx, s.client,
		[]string{s.leaseKey()}, from.String(), to.String(), s.cfg.ExtendDuration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to change lease owner: %w", err)
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

// Release drops the lease held by id.
func (s *ValkeyStore) Release(ctx context.Context, id identity.Identity) error {
	ok, err := releaseScript.Run(ctx, s.client,
		[]string{s.leaseKey()}, id.String()).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteContainer removes the lease and document keys. A non-zero id
// removes the lease key only with that credential.
func (s *ValkeyStore) DeleteContainer(ctx context.Context, id identity.Identity) error {
	if !id.IsZero() {
		ok, err := releaseScript.Run(ctx, s.client,
			[]string{s.leaseKey()}, id.String()).Int()
		if err != nil {
			return fmt.Errorf("failed to delete lease key: %w", err)
		}
		if ok == 0 {
			return ErrConflict
		}
	} else if err := s.client.Del(ctx, s.leaseKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete lease key: %w", err)
	}

	if err := s.client.Del(ctx, s.documentKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete document key: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *ValkeyStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity to Valkey.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func marshalDocument(doc *Document) ([]byte, error) {
	out := *doc
	out.UpdatedAt = time.Now()
	payload, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return payload, nil
}
