package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dependency probe; a nil error means healthy
type ProbeFunc func(ctx context.Context) error

// Periodically probes the gateway's dependencies (store, archive, identity provider)
type Checker struct {
	mu           sync.RWMutex
	probes       map[string]ProbeFunc
	names        []string
	healthStatus map[string]*Status
	interval     time.Duration
	timeout      time.Duration
	maxFailures  int
	stopChan     chan struct{}
	running      bool
	logger       zerolog.Logger
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Probe timeout (default: 5s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)
}

func NewChecker(cfg Config, logger zerolog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}

	return &Checker{
		probes:       make(map[string]ProbeFunc),
		healthStatus: make(map[string]*Status),
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		maxFailures:  cfg.MaxFailures,
		stopChan:     make(chan struct{}),
		logger:       logger,
	}
}

// Registers a probe. Dependencies start unhealthy until their first check passes.
func (c *Checker) Add(name string, probe ProbeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.probes[name]; !exists {
		c.names = append(c.names, name)
	}
	c.probes[name] = probe
	c.healthStatus[name] = &Status{Dependency: name}
}

// Begins periodic health checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info().Int("probes", len(c.names)).Dur("interval", c.interval).Msg("starting dependency checks")

	// Run initial check immediately
	c.CheckAll()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckAll()
			case <-c.stopChan:
				return
			}
		}
	}()
}

func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		c.logger.Info().Msg("dependency checks stopped")
	}
}

// Runs every probe concurrently and records the results
func (c *Checker) CheckAll() {
	c.mu.RLock()
	probes := make(map[string]ProbeFunc, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe ProbeFunc) {
			defer wg.Done()
			c.check(name, probe)
		}(name, probe)
	}
	wg.Wait()
}

func (c *Checker) check(name string, probe ProbeFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := probe(ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	status := c.healthStatus[name]
	status.LastCheck = now
	status.LastSuccess = now
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		c.logger.Info().Str("dependency", name).Msg("dependency is healthy")
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	status := c.healthStatus[name]
	status.LastCheck = now
	status.LastFailure = now
	status.FailureCount++
	status.LastError = err.Error()

	if status.FailureCount < c.maxFailures {
		return
	}
	if status.IsHealthy || status.FailureCount == c.maxFailures {
		c.logger.Warn().Err(err).Str("dependency", name).Int("failures", status.FailureCount).Msg("dependency is unhealthy")
	}
	status.IsHealthy = false
}

// Returns health status of every dependency
func (c *Checker) GetAllStatus() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statusMap := make(map[string]Status, len(c.healthStatus))
	for name, status := range c.healthStatus {
		statusMap[name] = *status
	}

	return statusMap
}

// Returns the overall health status
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, status := range c.healthStatus {
		if status.IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.healthStatus):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
