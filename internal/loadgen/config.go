package loadgen

import "time"

// Config holds the load run settings.
type Config struct {
	BaseURL       string        // Base URL of the service
	Users         int           // Number of identities to submit
	Workers       int           // Number of concurrent submitters
	Timeout       time.Duration // HTTP request timeout
	PollInterval  time.Duration // Delay between status polls
	SettleTimeout time.Duration // Upper bound for all users to settle
	OutputFile    string        // Optional file receiving the generated identities
	ForceRefresh  bool          // Submit with forceRefresh set
}

// Identity is one generated analyze request.
type Identity struct {
	Address string `json:"address"`
}

// Stats holds run statistics.
type Stats struct {
	Generated     int
	Submitted     int
	Queued        int
	AlreadyQueued int
	Cached        int
	Failed        int
	Completed     int
	FailedStatus  int
	Unsettled     int
	StartTime     time.Time
	Duration      time.Duration
}

// Default run settings.
const (
	DefaultUsers         = 100
	DefaultWorkers       = 8
	DefaultTimeout       = 10 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSettleTimeout = 5 * time.Minute
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.Users <= 0 {
		out.Users = DefaultUsers
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.SettleTimeout <= 0 {
		out.SettleTimeout = DefaultSettleTimeout
	}
	return out
}
