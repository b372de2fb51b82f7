package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ferromir/bluestreak"
)

// claimableStatuses are the statuses the claim predicate matches.
// Aborted and finished are excluded, so both are dormant.
var claimableStatuses = []string{
	string(bluestreak.StatusIdle),
	string(bluestreak.StatusRunning),
	string(bluestreak.StatusFailed),
}

// InsertInstance creates an idle instance claimable from now.
func (s *Store) InsertInstance(ctx context.Context, workflowID, handlerID string, input []byte, now time.Time) error {
	m := instanceModel{
		WorkflowID: workflowID,
		HandlerID:  handlerID,
		Input:      input,
		Failures:   0,
		Status:     string(bluestreak.StatusIdle),
		TimeoutAt:  now,
	}
	if _, err := s.db.Collection(s.workflows).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return &bluestreak.AlreadyStartedError{WorkflowID: workflowID}
		}
		return fmt.Errorf("bluestreak/mongo: insert instance: %w", err)
	}
	return nil
}

// ClaimDue atomically claims one due instance. The whole claim protocol
// rides on this being a single conditional update: FindOneAndUpdate
// selects a matching document and flips it to running with a fresh
// lease in one step, so concurrent claimers can never both win.
func (s *Store) ClaimDue(ctx context.Context, now, until time.Time) (string, error) {
	filter := bson.M{
		"status":    bson.M{"$in": claimableStatuses},
		"timeoutAt": bson.M{"$lt": now},
	}
	update := bson.M{
		"$set": bson.M{
			"status":    string(bluestreak.StatusRunning),
			"timeoutAt": until,
		},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"workflowId": 1})

	var m instanceModel
	err := s.db.Collection(s.workflows).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return "", nil
		}
		return "", fmt.Errorf("bluestreak/mongo: claim due: %w", err)
	}
	return m.WorkflowID, nil
}

// FindRunData returns the execution projection of an instance.
func (s *Store) FindRunData(ctx context.Context, workflowID string) (*bluestreak.RunData, error) {
	opts := options.FindOne().SetProjection(bson.M{
		"handlerId": 1,
		"input":     1,
		"failures":  1,
	})

	var m instanceModel
	err := s.db.Collection(s.workflows).FindOne(ctx, bson.M{"workflowId": workflowID}, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
		}
		return nil, fmt.Errorf("bluestreak/mongo: find run data: %w", err)
	}
	return &bluestreak.RunData{
		HandlerID: m.HandlerID,
		Input:     m.Input,
		Failures:  m.Failures,
	}, nil
}

// FindStatusAndResult returns the wait projection of an instance.
func (s *Store) FindStatusAndResult(ctx context.Context, workflowID string) (*bluestreak.StatusAndResult, error) {
	opts := options.FindOne().SetProjection(bson.M{
		"status": 1,
		"result": 1,
	})

	var m instanceModel
	err := s.db.Collection(s.workflows).FindOne(ctx, bson.M{"workflowId": workflowID}, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
		}
		return nil, fmt.Errorf("bluestreak/mongo: find status: %w", err)
	}
	return &bluestreak.StatusAndResult{
		Status: bluestreak.Status(m.Status),
		Result: m.Result,
	}, nil
}

// MarkFinished stores the result and moves the instance to finished.
// timeoutAt is left alone: finished is terminal.
func (s *Store) MarkFinished(ctx context.Context, workflowID string, result []byte) error {
	res, err := s.db.Collection(s.workflows).UpdateOne(ctx,
		bson.M{"workflowId": workflowID},
		bson.M{"$set": bson.M{
			"status": string(bluestreak.StatusFinished),
			"result": result,
		}},
	)
	if err != nil {
		return fmt.Errorf("bluestreak/mongo: mark finished: %w", err)
	}
	if res.MatchedCount == 0 {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	return nil
}

// MarkFailure records a failed run.
func (s *Store) MarkFailure(ctx context.Context, workflowID string, status bluestreak.Status, timeoutAt time.Time, failures int) error {
	res, err := s.db.Collection(s.workflows).UpdateOne(ctx,
		bson.M{"workflowId": workflowID},
		bson.M{"$set": bson.M{
			"status":    string(status),
			"timeoutAt": timeoutAt,
			"failures":  failures,
		}},
	)
	if err != nil {
		return fmt.Errorf("bluestreak/mongo: mark failure: %w", err)
	}
	if res.MatchedCount == 0 {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	return nil
}

// ExtendLease pushes the instance's timeoutAt forward.
func (s *Store) ExtendLease(ctx context.Context, workflowID string, timeoutAt time.Time) error {
	res, err := s.db.Collection(s.workflows).UpdateOne(ctx,
		bson.M{"workflowId": workflowID},
		bson.M{"$set": bson.M{"timeoutAt": timeoutAt}},
	)
	if err != nil {
		return fmt.Errorf("bluestreak/mongo: extend lease: %w", err)
	}
	if res.MatchedCount == 0 {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	return nil
}

// FindStepOutput returns the recorded output of a step, or nil if the
// step has never completed.
func (s *Store) FindStepOutput(ctx context.Context, workflowID, stepID string) ([]byte, error) {
	var m stepModel
	err := s.db.Collection(s.steps).FindOne(ctx, bson.M{
		"workflowId": workflowID,
		"stepId":     stepID,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil // no record is not an error
		}
		return nil, fmt.Errorf("bluestreak/mongo: find step output: %w", err)
	}
	return m.Output, nil
}

// PutStepOutput records a step output. All field writes live in
// $setOnInsert, so a matching record is left untouched; a duplicate-key
// race against a concurrent insert is absorbed as success.
func (s *Store) PutStepOutput(ctx context.Context, workflowID, stepID string, output []byte) error {
	filter := bson.M{
		"workflowId": workflowID,
		"stepId":     stepID,
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"workflowId": workflowID,
			"stepId":     stepID,
			"output":     output,
		},
	}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := s.db.Collection(s.steps).UpdateOne(ctx, filter, update, opts); err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("bluestreak/mongo: put step output: %w", err)
	}
	return nil
}

// FindNapWake returns the recorded wake instant of a nap, or nil if the
// nap has never been entered.
func (s *Store) FindNapWake(ctx context.Context, workflowID, napID string) (*time.Time, error) {
	var m napModel
	err := s.db.Collection(s.naps).FindOne(ctx, bson.M{
		"workflowId": workflowID,
		"napId":      napID,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bluestreak/mongo: find nap wake: %w", err)
	}
	wake := m.WakeUpAt
	return &wake, nil
}

// PutNapWake records a nap's wake instant. Insert-only, as above.
func (s *Store) PutNapWake(ctx context.Context, workflowID, napID string, wakeUpAt time.Time) error {
	filter := bson.M{
		"workflowId": workflowID,
		"napId":      napID,
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"workflowId": workflowID,
			"napId":      napID,
			"wakeUpAt":   wakeUpAt,
		},
	}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := s.db.Collection(s.naps).UpdateOne(ctx, filter, update, opts); err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("bluestreak/mongo: put nap wake: %w", err)
	}
	return nil
}

// ListInstances returns instance projections, optionally filtered by
// status, ordered by timeoutAt.
func (s *Store) ListInstances(ctx context.Context, status bluestreak.Status, limit, offset int) ([]*bluestreak.InstanceInfo, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "timeoutAt", Value: 1}}).
		SetProjection(bson.M{
			"workflowId": 1,
			"handlerId":  1,
			"status":     1,
			"failures":   1,
			"timeoutAt":  1,
		})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	if offset > 0 {
		findOpts.SetSkip(int64(offset))
	}

	cursor, err := s.db.Collection(s.workflows).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("bluestreak/mongo: list instances: %w", err)
	}
	defer cursor.Close(ctx)

	var models []instanceModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("bluestreak/mongo: list instances decode: %w", err)
	}

	infos := make([]*bluestreak.InstanceInfo, 0, len(models))
	for i := range models {
		m := &models[i]
		infos = append(infos, &bluestreak.InstanceInfo{
			WorkflowID: m.WorkflowID,
			HandlerID:  m.HandlerID,
			Status:     bluestreak.Status(m.Status),
			Failures:   m.Failures,
			TimeoutAt:  m.TimeoutAt,
		})
	}
	return infos, nil
}

// ResetInstance returns an aborted instance to idle with zero failures.
func (s *Store) ResetInstance(ctx context.Context, workflowID string, now time.Time) error {
	res, err := s.db.Collection(s.workflows).UpdateOne(ctx,
		bson.M{
			"workflowId": workflowID,
			"status":     string(bluestreak.StatusAborted),
		},
		bson.M{"$set": bson.M{
			"status":    string(bluestreak.StatusIdle),
			"failures":  0,
			"timeoutAt": now,
		}},
	)
	if err != nil {
		return fmt.Errorf("bluestreak/mongo: reset instance: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Distinguish a missing instance from a wrong-status one.
	count, err := s.db.Collection(s.workflows).CountDocuments(ctx, bson.M{"workflowId": workflowID})
	if err != nil {
		return fmt.Errorf("bluestreak/mongo: reset instance lookup: %w", err)
	}
	if count == 0 {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	return bluestreak.ErrNotAborted
}
