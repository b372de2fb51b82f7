package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ferromir/bluestreak"
)

// UpsertSchedule creates or replaces a schedule by name.
func (s *Store) UpsertSchedule(ctx context.Context, sched *bluestreak.Schedule) error {
	m := scheduleModel{
		Name:        sched.Name,
		Expr:        sched.Expr,
		HandlerID:   sched.HandlerID,
		Input:       sched.Input,
		NextRunAt:   sched.NextRunAt,
		LastRunAt:   sched.LastRunAt,
		LockedUntil: sched.LockedUntil,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(s.schedules).ReplaceOne(ctx, bson.M{"name": sched.Name}, m, opts); err != nil {
		return fmt.Errorf("bluestreak/mongo: upsert schedule: %w", err)
	}
	return nil
}

// ClaimDueSchedule atomically locks one due schedule until the given
// instant. The same single-conditional-update discipline as ClaimDue:
// two schedulers racing a due entry get at most one winner.
func (s *Store) ClaimDueSchedule(ctx context.Context, now, lockUntil time.Time) (*bluestreak.Schedule, error) {
	filter := bson.M{
		"nextRunAt": bson.M{"$lte": now},
		"$or": []bson.M{
			{"lockedUntil": bson.M{"$exists": false}},
			{"lockedUntil": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"lockedUntil": lockUntil},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "nextRunAt", Value: 1}})

	var m scheduleModel
	err := s.db.Collection(s.schedules).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bluestreak/mongo: claim due schedule: %w", err)
	}
	return &bluestreak.Schedule{
		Name:        m.Name,
		Expr:        m.Expr,
		HandlerID:   m.HandlerID,
		Input:       m.Input,
		NextRunAt:   m.NextRunAt,
		LastRunAt:   m.LastRunAt,
		LockedUntil: m.LockedUntil,
	}, nil
}

// CompleteSchedule stamps a firing and releases the lock.
func (s *Store) CompleteSchedule(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	res, err := s.db.Collection(s.schedules).UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{
			"$set":   bson.M{"lastRunAt": lastRun, "nextRunAt": nextRun},
			"$unset": bson.M{"lockedUntil": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("bluestreak/mongo: complete schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("bluestreak/mongo: schedule %q not found", name)
	}
	return nil
}
