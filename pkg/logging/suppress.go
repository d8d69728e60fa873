// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// repeatCounters is shared between a suppressor core and all cores derived from it.
type repeatCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *repeatCounters) inc(value string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[value]++

	return c.counts[value]
}

func (c *repeatCounters) reset(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counts, value)
}

type repeatSuppressor struct {
	zapcore.Core

	counters  *repeatCounters
	key       string
	value     string
	threshold int
}

// NewRepeatSuppressor wraps a core so that warnings and errors logged with the field `key`
// are logged once, and then only once per `threshold` dropped repeats of the same field value.
//
// Entries below the warning level and entries without the field are passed through.
func NewRepeatSuppressor(core zapcore.Core, key string, threshold int) zapcore.Core {
	return &repeatSuppressor{
		Core:      core,
		counters:  &repeatCounters{counts: map[string]int{}},
		key:       key,
		threshold: threshold,
	}
}

// ResetRepeats clears the repeat counter for the value if the core is a repeat suppressor.
func ResetRepeats(core zapcore.Core, value string) {
	if s, ok := core.(*repeatSuppressor); ok {
		s.counters.reset(value)
	}
}

// With implements zapcore.Core.
func (s *repeatSuppressor) With(fields []zapcore.Field) zapcore.Core {
	value := s.value

	for _, field := range fields {
		if field.Key == s.key {
			value = field.String
		}
	}

	return &repeatSuppressor{
		Core:      s.Core.With(fields),
		counters:  s.counters,
		key:       s.key,
		value:     value,
		threshold: s.threshold,
	}
}

// Check implements zapcore.Core.
func (s *repeatSuppressor) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !s.Enabled(entry.Level) {
		return checked
	}

	if s.value != "" && entry.Level >= zapcore.WarnLevel {
		if (s.counters.inc(s.value)-1)%(s.threshold+1) != 0 {
			return checked
		}
	}

	return checked.AddCore(entry, s)
}
