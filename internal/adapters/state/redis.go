// Package state is the shared store behind every relay instance: session
// membership lookups, the node directory and the broadcast channel.
package state

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Signal/internal/core"
)

const (
	userCacheKey    = "USER::MAP::CACHE"
	nodeBindingKey  = "NODE::KEY"
	sessionNodesKey = "TAP::NODE::LIST::CACHE"
	originNodeKey   = "NODE::TAP::CACHE"
	peerSetKey      = "TAP::PEERS::SET"
	nodeDirKey      = "NODE::PEER::ID"

	DefaultChannel = "PEER::SIGNAL::CHANNEL"
)

var unbindScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	Addr         string
	Cluster      bool
	ClusterNodes []string
	Username     string
	Password     string
	DB           int
	TLS          bool
}

// NewClient builds a standalone or cluster client from opts.
func NewClient(opts Options) redis.UniversalClient {
	var tlsCfg *tls.Config
	if opts.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opts.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     opts.ClusterNodes,
			Username:  opts.Username,
			Password:  opts.Password,
			TLSConfig: tlsCfg,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsCfg,
	})
}

// Store implements core.StateStore on Redis. Publish and lookups share the
// client pool; Subscribe holds its own dedicated connection.
type Store struct {
	client  redis.UniversalClient
	channel string
}

var _ core.StateStore = (*Store)(nil)

func New(client redis.UniversalClient, channel string) *Store {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Store{client: client, channel: channel}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) ResolveUserID(ctx context.Context, userRef string) (int64, bool, error) {
	return s.getInt(ctx, key(userCacheKey, userRef))
}

func (s *Store) ResolveNodeBinding(ctx context.Context, userID int64, clientRef, ip string) (int64, bool, error) {
	return s.getInt(ctx, key(nodeBindingKey, fmt.Sprintf("%d_%s_%s", userID, clientRef, ip)))
}

// SessionNodeList reads the comma separated node list of a session.
func (s *Store) SessionNodeList(ctx context.Context, sessionUUID string) ([]int64, bool, error) {
	raw, found, err := s.get(ctx, key(sessionNodesKey, sessionUUID))
	if err != nil || !found {
		return nil, false, err
	}
	var nodes []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Warn().Str("module", "state").Str("session", sessionUUID).Str("entry", part).Msg("skipping malformed node list entry")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, true, nil
}

func (s *Store) SessionOriginNode(ctx context.Context, nodeID int64) (string, bool, error) {
	return s.get(ctx, key(originNodeKey, strconv.FormatInt(nodeID, 10)))
}

func (s *Store) RecordPeer(ctx context.Context, sessionUUID string, nodeID int64, connID string) error {
	if err := s.client.HSet(ctx, key(peerSetKey, sessionUUID), strconv.FormatInt(nodeID, 10), connID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) BindNode(ctx context.Context, nodeID int64, connID string) error {
	if err := s.client.Set(ctx, key(nodeDirKey, strconv.FormatInt(nodeID, 10)), connID, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// UnbindNode deletes the directory entry atomically, and only while it still
// names connID.
func (s *Store) UnbindNode(ctx context.Context, nodeID int64, connID string) (bool, error) {
	n, err := unbindScript.Run(ctx, s.client, []string{key(nodeDirKey, strconv.FormatInt(nodeID, 10))}, connID).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *Store) Publish(ctx context.Context, env core.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed. Messages are then
// handed to onMessage from a dedicated goroutine until ctx is done.
func (s *Store) Subscribe(ctx context.Context, onMessage func(core.Envelope)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return unavailable(err)
	}
	log.Info().Str("module", "state").Str("channel", s.channel).Msg("subscribed")

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env core.Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					log.Warn().Err(err).Str("module", "state").Msg("bad broadcast payload")
					continue
				}
				onMessage(env)
			}
		}
	}()
	return nil
}

func (s *Store) get(ctx context.Context, k string) (string, bool, error) {
	v, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// getInt treats a non-numeric value as a miss.
func (s *Store) getInt(ctx context.Context, k string) (int64, bool, error) {
	v, found, err := s.get(ctx, k)
	if err != nil || !found {
		return 0, false, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		log.Warn().Str("module", "state").Str("key", k).Msg("non-numeric id in store")
		return 0, false, nil
	}
	return n, true, nil
}

func key(prefix, suffix string) string {
	return prefix + "::" + suffix
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
}
