// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// CommandRateLimiter limits decoded commands per connection.
type CommandRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewCommandRateLimiter creates a per-connection command limiter.
func NewCommandRateLimiter(r float64, burst int) *CommandRateLimiter {
	return &CommandRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether the connection identified by addr may submit
// another command.
func (l *CommandRateLimiter) Allow(addr string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[addr]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[addr] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a closed connection.
func (l *CommandRateLimiter) Remove(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, addr)
}

// Len returns the number of tracked connections.
func (l *CommandRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled    bool
	Connection ConnectionConfig
	Command    CommandConfig
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool
	Rate            float64       // connections per second per IP
	Burst           int
	CleanupInterval time.Duration // how often stale IP entries are dropped
}

// CommandConfig holds per-connection command rate limiting settings.
type CommandConfig struct {
	Enabled bool
	Rate    float64 // commands per second per connection
	Burst   int
}

// DefaultConfig returns the default configuration with limiting switched off.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Command: CommandConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager coordinates all rate limiters. A nil Manager allows everything.
type Manager struct {
	config  Config
	ip      *IPRateLimiter
	command *CommandRateLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Command.Enabled {
		m.command = NewCommandRateLimiter(cfg.Command.Rate, cfg.Command.Burst)
	}
	return m
}

// Allow reports whether a new connection from addr is allowed. It satisfies
// the limiter interface of the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowCommand reports whether the connection at addr may submit another command.
func (m *Manager) AllowCommand(addr string) bool {
	if m == nil || m.command == nil {
		return true
	}
	return m.command.Allow(addr)
}

// Forget releases per-connection state for a closed connection.
func (m *Manager) Forget(addr string) {
	if m == nil || m.command == nil {
		return
	}
	m.command.Remove(addr)
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
