package main

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates measurements from many client goroutines.
type collector struct {
	mu         sync.Mutex
	connects   []time.Duration
	deliveries []time.Duration
	claims     int
	errors     int
	sent       int
	received   int
	limited    int
	startTime  time.Time
}

func newCollector() *collector {
	return &collector{startTime: time.Now()}
}

func (c *collector) addConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.claims++
	c.mu.Unlock()
}

func (c *collector) addDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.received++
	c.mu.Unlock()
}

func (c *collector) addSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *collector) addRateLimited() {
	c.mu.Lock()
	c.limited++
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) counts() (claims, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims, c.errors
}

// percentiles summarizes a latency distribution.
type percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// summarize sorts durations in place.
func summarize(durations []time.Duration) percentiles {
	n := len(durations)
	if n == 0 {
		return percentiles{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

func (p percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// report prints a summary of everything collected.
func (c *collector) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:      %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Identities:    %d\n", c.claims)
	fmt.Printf("Errors:        %d\n", c.errors)
	fmt.Printf("Sent:          %d\n", c.sent)
	fmt.Printf("Delivered:     %d\n", c.received)
	fmt.Printf("Rate limited:  %d\n", c.limited)

	if len(c.connects) > 0 {
		fmt.Println("\n--- Connect + Claim Latency ---")
		fmt.Println("  " + summarize(c.connects).String())
	}
	if len(c.deliveries) > 0 {
		fmt.Println("\n--- Fan-out Latency ---")
		fmt.Println("  " + summarize(c.deliveries).String())
	}
	fmt.Println()
}
