// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	redis "gopkg.in/redis.v5"
)

// DefaultRedisPrefix is used as prefix when no prefix is given
var DefaultRedisPrefix = "gateway:oauth-state:"

// Redis implements the StateStore interface with a Redis backend, so the
// login flow survives a gateway restart and works across instances
type Redis struct {
	prefix string
	client *redis.Client
}

// NewRedis returns a new StateStore with a Redis backend
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// SetState stores the state parameter. Redis expires it after the TTL.
func (r *Redis) SetState(state string) error {
	return r.client.Set(r.prefix+state, "1", DefaultStateTTL).Err()
}

// ConsumeState invalidates the state parameter and reports whether it was
// valid
func (r *Redis) ConsumeState(state string) (bool, error) {
	deleted, err := r.client.Del(r.prefix + state).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return deleted > 0, nil
}

var _ StateStore = (*Redis)(nil)
