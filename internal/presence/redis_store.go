package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// redisKey returns the Redis key for a room's presence list.
func redisKey(roomID string) string {
	return "diagram:" + roomID + ":presence"
}

// roomsKey is the set of rooms that currently have a mirrored presence list.
const roomsKey = "diagram:presence:rooms"

// mirrorTTL bounds how stale a mirrored list can get if the relay dies
// without cleaning up. A healthy relay rewrites entries well within this.
const mirrorTTL = 5 * time.Minute

// RedisStore mirrors room presence into Redis so sidecar services can read
// who is online. Writes are best-effort; failures are logged and dropped.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed presence mirror.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// SetRoom replaces the mirrored user list for a room.
func (s *RedisStore) SetRoom(roomID string, users []User) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(users)
	if err != nil {
		log.Printf("presence: failed to marshal users: %v", err)
		return
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, redisKey(roomID), data, mirrorTTL)
	pipe.SAdd(ctx, roomsKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: failed to mirror room %s: %v", roomID, err)
	}
}

// Room returns the mirrored user list for a room, or nil if unknown.
func (s *RedisStore) Room(roomID string) []User {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, redisKey(roomID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("presence: failed to read room %s: %v", roomID, err)
		}
		return nil
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		log.Printf("presence: failed to unmarshal room %s: %v", roomID, err)
		return nil
	}
	return users
}

// DeleteRoom removes the mirrored list for a room.
func (s *RedisStore) DeleteRoom(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Del(ctx, redisKey(roomID))
	pipe.SRem(ctx, roomsKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: failed to delete room %s: %v", roomID, err)
	}
}

// RoomCount returns the number of rooms with a mirrored presence list.
func (s *RedisStore) RoomCount() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := s.client.SCard(ctx, roomsKey).Result()
	if err != nil {
		log.Printf("presence: failed to count rooms: %v", err)
		return 0
	}
	return int(n)
}
