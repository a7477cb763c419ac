package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/seat-sync/internal/model"
)

// Redis is a Registry shared by every server instance.  A showtime is stored
// as three hashes keyed by seat ID (status, holder, static metadata) and a
// version counter.  All keys of a showtime share a hash tag so the scripts
// stay valid on a Redis cluster.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis returns a Registry backed by rdb.  Keys are namespaced by prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "seats"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

type seatMeta struct {
	Label      string `json:"label"`
	Row        string `json:"row"`
	Column     uint32 `json:"column"`
	SeatTypeID string `json:"seat_type_id"`
}

type showtimeKeys struct {
	status, holder, meta, version string
}

func (r *Redis) keys(showtimeID string) showtimeKeys {
	base := fmt.Sprintf("%s:{%s}", r.prefix, showtimeID)
	return showtimeKeys{
		status:  base + ":status",
		holder:  base + ":holder",
		meta:    base + ":meta",
		version: base + ":version",
	}
}

// loadScript seeds a showtime unless its version key already exists.
// ARGV holds (seat id, status, metadata json) triples.
var loadScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[3]) == 1 then
		return 0
	end
	for i = 1, #ARGV, 3 do
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
		redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 2])
	end
	redis.call('SET', KEYS[3], 0)
	return 1
`)

// casScript returns -2 when the showtime is missing, -1 when the seat is
// missing, 0 on conflict and the new version otherwise.
var casScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[3]) == 0 then
		return -2
	end
	local current = redis.call('HGET', KEYS[1], ARGV[1])
	if not current then
		return -1
	end
	if current ~= ARGV[2] then
		return 0
	end
	if ARGV[2] == 'held' then
		local holder = redis.call('HGET', KEYS[2], ARGV[1])
		if holder ~= ARGV[4] then
			return 0
		end
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	if ARGV[3] == 'held' then
		redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
	else
		redis.call('HDEL', KEYS[2], ARGV[1])
	end
	return redis.call('INCR', KEYS[3])
`)

func (r *Redis) Load(ctx context.Context, showtimeID string, seats []model.Seat) error {
	k := r.keys(showtimeID)
	args := make([]interface{}, 0, len(seats)*3)
	for _, s := range seats {
		status := s.Status
		if !status.Valid() || status == model.SeatHeld {
			status = model.SeatAvailable
		}
		meta, err := json.Marshal(seatMeta{Label: s.Label, Row: s.Row, Column: s.Column, SeatTypeID: s.SeatTypeID})
		if err != nil {
			return fmt.Errorf("marshal seat %s: %w", s.ID, err)
		}
		args = append(args, s.ID, string(status), string(meta))
	}
	if err := loadScript.Run(ctx, r.rdb, []string{k.status, k.meta, k.version}, args...).Err(); err != nil {
		return fmt.Errorf("load showtime %s: %w", showtimeID, err)
	}
	if err := r.rdb.SAdd(ctx, r.indexKey(), showtimeID).Err(); err != nil {
		return fmt.Errorf("index showtime %s: %w", showtimeID, err)
	}
	return nil
}

// indexKey names the set of loaded showtimes.  It lives outside the
// showtime hash tags and is only touched outside the scripts.
func (r *Redis) indexKey() string { return r.prefix + ":showtimes" }

func (r *Redis) Showtimes(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, r.indexKey()).Result()
}

func (r *Redis) Holders(ctx context.Context, showtimeID string) (map[string]string, error) {
	ok, err := r.Has(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrShowtimeNotFound
	}
	return r.rdb.HGetAll(ctx, r.keys(showtimeID).holder).Result()
}

func (r *Redis) Has(ctx context.Context, showtimeID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.keys(showtimeID).version).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Snapshot(ctx context.Context, showtimeID string) (model.Snapshot, error) {
	k := r.keys(showtimeID)
	var (
		versionCmd *redis.StringCmd
		statusCmd  *redis.MapStringStringCmd
		holderCmd  *redis.MapStringStringCmd
		metaCmd    *redis.MapStringStringCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		versionCmd = p.Get(ctx, k.version)
		statusCmd = p.HGetAll(ctx, k.status)
		holderCmd = p.HGetAll(ctx, k.holder)
		metaCmd = p.HGetAll(ctx, k.meta)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, err
	}
	version, err := versionCmd.Uint64()
	if errors.Is(err, redis.Nil) {
		return model.Snapshot{}, ErrShowtimeNotFound
	}
	if err != nil {
		return model.Snapshot{}, err
	}
	statuses, holders, metas := statusCmd.Val(), holderCmd.Val(), metaCmd.Val()
	seats := make([]model.Seat, 0, len(statuses))
	for id, status := range statuses {
		seat, err := decodeSeat(id, status, holders[id], metas[id])
		if err != nil {
			return model.Snapshot{}, err
		}
		seats = append(seats, seat)
	}
	sortSeats(seats)
	return model.Snapshot{ShowtimeID: showtimeID, Version: version, Seats: seats}, nil
}

func (r *Redis) Seat(ctx context.Context, showtimeID, seatID string) (model.Seat, error) {
	k := r.keys(showtimeID)
	var (
		existsCmd *redis.IntCmd
		statusCmd *redis.StringCmd
		holderCmd *redis.StringCmd
		metaCmd   *redis.StringCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		existsCmd = p.Exists(ctx, k.version)
		statusCmd = p.HGet(ctx, k.status, seatID)
		holderCmd = p.HGet(ctx, k.holder, seatID)
		metaCmd = p.HGet(ctx, k.meta, seatID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Seat{}, err
	}
	if existsCmd.Val() == 0 {
		return model.Seat{}, ErrShowtimeNotFound
	}
	status, err := statusCmd.Result()
	if errors.Is(err, redis.Nil) {
		return model.Seat{}, ErrSeatNotFound
	}
	if err != nil {
		return model.Seat{}, err
	}
	return decodeSeat(seatID, status, holderCmd.Val(), metaCmd.Val())
}

func (r *Redis) CompareAndSet(ctx context.Context, showtimeID, seatID string, expected, next model.SeatStatus, sessionID string) (uint64, error) {
	k := r.keys(showtimeID)
	res, err := casScript.Run(ctx, r.rdb,
		[]string{k.status, k.holder, k.version},
		seatID, string(expected), string(next), sessionID,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("compare and set %s/%s: %w", showtimeID, seatID, err)
	}
	switch {
	case res == -2:
		return 0, ErrShowtimeNotFound
	case res == -1:
		return 0, ErrSeatNotFound
	case res == 0:
		return 0, ErrConflict
	}
	return uint64(res), nil
}

func decodeSeat(id, status, holder, rawMeta string) (model.Seat, error) {
	var meta seatMeta
	if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			return model.Seat{}, fmt.Errorf("decode seat %s metadata: %w", id, err)
		}
	}
	seat := model.Seat{
		ID:         id,
		Label:      meta.Label,
		Row:        meta.Row,
		Column:     meta.Column,
		SeatTypeID: meta.SeatTypeID,
		Status:     model.SeatStatus(status),
	}
	if seat.Status == model.SeatHeld {
		seat.HeldBy = holder
	}
	return seat, nil
}
