package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Leases publishes which sessions are alive beyond this process.  Renew and
// Revoke are best effort; a failure only delays orphan detection.
type Leases interface {
	Renew(sessionID string)
	Revoke(sessionID string)
}

type noLeases struct{}

func (noLeases) Renew(string)  {}
func (noLeases) Revoke(string) {}

// RedisLeases keeps one expiring key per live session.  Instances sharing a
// Redis seat registry use it to tell a holder that is still alive somewhere
// from one whose instance stopped.
type RedisLeases struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    *logrus.Entry
}

// NewRedisLeases returns leases that expire ttl after their last renewal.
// ttl must outlast the idle timeout plus one reaper interval so that a live
// instance always expires its own sessions first.
func NewRedisLeases(rdb *redis.Client, prefix string, ttl time.Duration, log *logrus.Entry) *RedisLeases {
	if prefix == "" {
		prefix = "seats"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisLeases{rdb: rdb, prefix: prefix, ttl: ttl, log: log.WithField("component", "session-leases")}
}

func (l *RedisLeases) key(sessionID string) string {
	return l.prefix + ":session:" + sessionID
}

func (l *RedisLeases) Renew(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.rdb.Set(ctx, l.key(sessionID), 1, l.ttl).Err(); err != nil {
		l.log.WithError(err).WithField("session_id", sessionID).Warn("renew lease")
	}
}

func (l *RedisLeases) Revoke(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.rdb.Del(ctx, l.key(sessionID)).Err(); err != nil {
		l.log.WithError(err).WithField("session_id", sessionID).Warn("revoke lease")
	}
}

// Alive reports, for each id, whether its lease is still present.
func (l *RedisLeases) Alive(ctx context.Context, sessionIDs []string) (map[string]bool, error) {
	cmds := make(map[string]*redis.IntCmd, len(sessionIDs))
	_, err := l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range sessionIDs {
			cmds[id] = p.Exists(ctx, l.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(cmds))
	for id, cmd := range cmds {
		alive[id] = cmd.Val() == 1
	}
	return alive, nil
}
