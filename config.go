package bluestreak

import "time"

// Config holds the engine's tuning knobs.
type Config struct {
	// DBURL is the MongoDB connection string.
	DBURL string

	// DBName is the database holding the engine's collections.
	DBName string

	// TimeoutInterval is the length of the lease granted on claim and
	// refreshed after each recorded step. An instance whose lease has
	// expired may be re-claimed by any worker.
	TimeoutInterval time.Duration

	// PollInterval is how long the poller idles when no instance is due.
	PollInterval time.Duration

	// WaitRetryInterval is the delay before a failed instance becomes
	// claimable again.
	WaitRetryInterval time.Duration

	// MaxFailures aborts an instance once its failure count exceeds this
	// value. Zero or negative means unbounded retries.
	MaxFailures int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBURL:             "mongodb://localhost:27017",
		DBName:            "bluestreak",
		TimeoutInterval:   10 * time.Second,
		PollInterval:      5 * time.Second,
		WaitRetryInterval: 1 * time.Second,
	}
}
