// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package writebehind

import "time"

type Config struct {
	// FlushInterval is the period of the scheduled full drain.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// BatchSize caps the rows per backing-store call and the keys a worker coalesces.
	BatchSize int `mapstructure:"batch_size"`
	// CoalesceWindow is how long a worker waits for more keys before draining.
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	// QueueSize bounds the dirtied-key queue. Keys that do not fit are left
	// to the scheduled drain.
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
	// MaxRetries is how many failed attempts a pending write survives.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBackoff is the minimum time between attempts at a write that
	// failed. Zero retries on every drain.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// BatchTimeout bounds a single backing-store call.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// ShutdownTimeout bounds the final drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:   30 * time.Second,
		BatchSize:       100,
		CoalesceWindow:  50 * time.Millisecond,
		QueueSize:       4096,
		Workers:         2,
		MaxRetries:      5,
		RetryBackoff:    2 * time.Second,
		BatchTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = d.CoalesceWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}
