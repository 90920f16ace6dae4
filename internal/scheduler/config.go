// Package scheduler dispatches task-started events to pipeline creation on
// a bounded worker pool.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the number of concurrent dispatch workers.
	GlobalMax int `yaml:"global_max"`
	// QueueSize is how many events may wait for a worker. Events arriving
	// at a full queue are dropped and counted.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 4,
		QueueSize: 64,
	}
}

func (c *Config) normalized() *Config {
	out := *c
	if out.GlobalMax < 1 {
		out.GlobalMax = 1
	}
	if out.QueueSize < 1 {
		out.QueueSize = 1
	}
	return &out
}
