package mongo

import "time"

// Field names follow the canonical wire schema so independent
// implementations stay compatible on the same database.

type instanceModel struct {
	WorkflowID string    `bson:"workflowId"`
	HandlerID  string    `bson:"handlerId"`
	Input      []byte    `bson:"input"`
	Failures   int       `bson:"failures"`
	Status     string    `bson:"status"`
	TimeoutAt  time.Time `bson:"timeoutAt"`
	Result     []byte    `bson:"result,omitempty"`
}

type stepModel struct {
	WorkflowID string `bson:"workflowId"`
	StepID     string `bson:"stepId"`
	Output     []byte `bson:"output"`
}

type napModel struct {
	WorkflowID string    `bson:"workflowId"`
	NapID      string    `bson:"napId"`
	WakeUpAt   time.Time `bson:"wakeUpAt"`
}

type scheduleModel struct {
	Name        string     `bson:"name"`
	Expr        string     `bson:"expr"`
	HandlerID   string     `bson:"handlerId"`
	Input       []byte     `bson:"input"`
	NextRunAt   time.Time  `bson:"nextRunAt"`
	LastRunAt   *time.Time `bson:"lastRunAt,omitempty"`
	LockedUntil *time.Time `bson:"lockedUntil,omitempty"`
}
