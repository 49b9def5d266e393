// Package result holds the outcome records produced during a maintenance run
// and the collector that aggregates them.
package result

import (
	"fmt"
	"strings"
	"sync"
)

// Severity orders results by criticality: Info < Warning < Error.
type Severity int

const (
	Info Severity = iota + 1
	Warning
	Error
)

// Severities lists every severity from most to least critical.
var Severities = []Severity{Error, Warning, Info}

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity is the inverse of Severity.String, case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return Info, nil
	case "WARNING", "WARN":
		return Warning, nil
	case "ERROR":
		return Error, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Result is the outcome of a single workflow step.
type Result struct {
	Step     string
	Severity Severity
	Message  string
}

// New is shorthand for building a Result.
func New(step string, severity Severity, message string) Result {
	return Result{Step: step, Severity: severity, Message: message}
}

// Collector is an append-only, concurrency-safe sequence of results.
type Collector struct {
	mu      sync.Mutex
	results []Result
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends r. A nil result is ignored.
func (c *Collector) Add(r *Result) {
	if r == nil {
		return
	}
	c.mu.Lock()
	c.results = append(c.results, *r)
	c.mu.Unlock()
}

// AddAll appends rs as one contiguous block.
func (c *Collector) AddAll(rs []Result) {
	if len(rs) == 0 {
		return
	}
	c.mu.Lock()
	c.results = append(c.results, rs...)
	c.mu.Unlock()
}

// All returns a point-in-time copy of the collected results.
func (c *Collector) All() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

// Len reports how many results have been collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Overall returns the highest severity collected, Info when empty.
func (c *Collector) Overall() Severity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Max(c.results)
}

// Max returns the highest severity in rs, Info when rs is empty.
func Max(rs []Result) Severity {
	highest := Info
	for _, r := range rs {
		if r.Severity > highest {
			highest = r.Severity
		}
	}
	return highest
}
