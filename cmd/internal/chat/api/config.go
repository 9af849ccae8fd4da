package chatapi

import "time"

// Config controls request limits of the chat HTTP API.
type Config struct {
	MaxBodyBytes int64

	// SendRate and SendBurst bound message appends per caller.
	SendRate  float64
	SendBurst int

	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		SendRate:     5,
		SendBurst:    20,
		RetryAfter:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.SendRate <= 0 {
		c.SendRate = d.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = d.RetryAfter
	}
	return c
}
