// Package presence mirrors the relay's admin snapshot into Redis so an
// external dashboard can see who is online on each relay instance. The
// relay never reads these keys back.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/relay/internal/relay"
)

const (
	// KeyPrefix is the Redis key prefix for every presence key.
	KeyPrefix = "presence:"

	// DefaultInterval is how often the snapshot is mirrored.
	DefaultInterval = 5 * time.Second
)

// Config holds presence mirror settings.
type Config struct {
	Addr       string        // Redis address, host:port
	ServerName string        // identifies this relay instance in key names
	Interval   time.Duration // publish interval; keys live for 3x this
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		ServerName: "relay-1",
		Interval:   DefaultInterval,
	}
}

// Summary is the per-instance hash at presence:<server>.
type Summary struct {
	Server    string `redis:"server"`
	Online    int    `redis:"online"`
	Pending   int    `redis:"pending"`
	Banned    int    `redis:"banned"`
	Claimed   int    `redis:"claimed"`
	UpdatedAt int64  `redis:"updated_at"` // unix timestamp
}

// User is the per-identity hash at presence:<server>:user:<name>.
type User struct {
	Name        string `redis:"name"`
	ConnID      string `redis:"conn_id"`
	Mode        string `redis:"mode"`
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastSeen    int64  `redis:"last_seen"`    // unix timestamp
}

// Store writes presence data to Redis.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewStore creates a presence store connected to Redis.
func NewStore(config Config) (*Store, error) {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr: config.Addr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{
		client:     client,
		serverName: config.ServerName,
		ttl:        3 * config.Interval,
	}, nil
}

// SummaryKey returns the instance hash key.
func SummaryKey(server string) string {
	return KeyPrefix + server
}

// OnlineKey returns the key of the set of online names.
func OnlineKey(server string) string {
	return KeyPrefix + server + ":online"
}

// UserKey returns the per-identity hash key.
func UserKey(server, name string) string {
	return KeyPrefix + server + ":user:" + name
}

// BuildSummary condenses a snapshot into the instance hash.
func BuildSummary(server string, snap relay.Snapshot) Summary {
	return Summary{
		Server:    server,
		Online:    snap.Counts.Authenticated,
		Pending:   snap.Counts.Pending,
		Banned:    snap.Counts.Bans,
		Claimed:   snap.Counts.Claimed,
		UpdatedAt: snap.TakenAt.Unix(),
	}
}

// BuildUsers lists the authenticated sessions of a snapshot. Device tokens
// are not mirrored.
func BuildUsers(snap relay.Snapshot) []User {
	users := make([]User, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if !s.Authenticated {
			continue
		}
		users = append(users, User{
			Name:        s.Name,
			ConnID:      s.ConnID,
			Mode:        s.Mode,
			ConnectedAt: s.ConnectedAt.Unix(),
			LastSeen:    s.LastSeen.Unix(),
		})
	}
	return users
}

// Publish writes the snapshot in one pipeline. Every key gets the store's
// TTL so an instance that stops publishing disappears on its own.
func (s *Store) Publish(ctx context.Context, snap relay.Snapshot) error {
	summaryKey := SummaryKey(s.serverName)
	onlineKey := OnlineKey(s.serverName)
	users := BuildUsers(snap)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, summaryKey, BuildSummary(s.serverName, snap))
	pipe.Expire(ctx, summaryKey, s.ttl)

	pipe.Del(ctx, onlineKey)
	if len(users) > 0 {
		names := make([]interface{}, len(users))
		for i, u := range users {
			names[i] = u.Name
		}
		pipe.SAdd(ctx, onlineKey, names...)
		pipe.Expire(ctx, onlineKey, s.ttl)
	}

	for _, u := range users {
		key := UserKey(s.serverName, u.Name)
		pipe.HSet(ctx, key, u)
		pipe.Expire(ctx, key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	return nil
}

// Summary reads the instance hash back. Returns nil if not found.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	if err := s.client.HGetAll(ctx, SummaryKey(s.serverName)).Scan(&sum); err != nil {
		return nil, err
	}
	if sum.Server == "" {
		return nil, nil // not found
	}
	return &sum, nil
}

// Online returns the names currently mirrored as online, sorted.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, OnlineKey(s.serverName)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: online: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the instance keys, used on clean shutdown.
func (s *Store) Delete(ctx context.Context) error {
	names, err := s.Online(ctx)
	if err != nil {
		return err
	}
	keys := []string{SummaryKey(s.serverName), OnlineKey(s.serverName)}
	for _, name := range names {
		keys = append(keys, UserKey(s.serverName, name))
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
