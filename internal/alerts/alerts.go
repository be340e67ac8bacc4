// Package alerts delivers enforcement notifications to parents via shoutrrr
// service URLs (email, Discord, Telegram, and the rest). Delivery is
// best-effort and never blocks the request path.
package alerts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"github.com/yori-gw/yori/internal/enforcement"
)

// actionRank orders actions for the min_action threshold.
var actionRank = map[string]int{
	"allow": 0,
	"alert": 1,
	"block": 2,
}

// sender is swapped out in tests.
type sender func(url, message string) error

// Notifier forwards decisions at or above a severity threshold to the
// configured notification URLs. Notify enqueues without blocking; a full
// queue drops the alert with a log line rather than stalling a request.
type Notifier struct {
	mu        sync.RWMutex
	urls      []string
	minAction string

	ch     chan string
	logger *slog.Logger
	send   sender

	closeOnce sync.Once
	done      chan struct{}
}

// NewNotifier starts the delivery goroutine. Disabled configurations are
// represented by an empty URL list.
func NewNotifier(urls []string, minAction string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if minAction == "" {
		minAction = "block"
	}
	n := &Notifier{
		urls:      urls,
		minAction: minAction,
		ch:        make(chan string, 64),
		logger:    logger,
		send:      shoutrrr.Send,
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Update swaps the URL list and threshold on configuration reload.
func (n *Notifier) Update(urls []string, minAction string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = urls
	if minAction != "" {
		n.minAction = minAction
	}
}

// Notify enqueues a decision notification if it meets the threshold.
func (n *Notifier) Notify(d enforcement.Decision, clientIP, host string) {
	n.mu.RLock()
	urls, min := n.urls, n.minAction
	n.mu.RUnlock()

	if len(urls) == 0 {
		return
	}
	if actionRank[string(d.ActionTaken)] < actionRank[min] {
		return
	}

	msg := fmt.Sprintf("yori: %s request from %s to %s\npolicy: %s\nreason: %s\nat: %s",
		actionVerb(d.ActionTaken), clientIP, host,
		d.PolicyName, d.Reason, d.Timestamp.Format(time.RFC3339))

	select {
	case n.ch <- msg:
	default:
		n.logger.Warn("alert queue full, dropping notification", "policy", d.PolicyName)
	}
}

// NotifyEmergency announces a kill-switch toggle.
func (n *Notifier) NotifyEmergency(active bool, by string) {
	n.mu.RLock()
	urls := n.urls
	n.mu.RUnlock()
	if len(urls) == 0 {
		return
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	msg := fmt.Sprintf("yori: emergency override %s by %s at %s", state, by, time.Now().Format(time.RFC3339))

	select {
	case n.ch <- msg:
	default:
		n.logger.Warn("alert queue full, dropping emergency notification")
	}
}

// Close stops the delivery goroutine after draining queued alerts.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.ch)
		<-n.done
	})
}

func (n *Notifier) run() {
	defer close(n.done)
	for msg := range n.ch {
		n.mu.RLock()
		urls := append([]string(nil), n.urls...)
		n.mu.RUnlock()

		for _, url := range urls {
			if err := n.send(url, msg); err != nil {
				n.logger.Warn("alert delivery failed", "error", err)
			}
		}
	}
}

func actionVerb(a enforcement.Action) string {
	switch a {
	case enforcement.ActionBlock:
		return "blocked"
	case enforcement.ActionAlert:
		return "flagged"
	default:
		return "allowed"
	}
}
