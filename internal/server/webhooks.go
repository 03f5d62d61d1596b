package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"taskboard/internal/config"
	"taskboard/internal/hub"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookDispatcher forwards hub events to configured HTTP endpoints. Each
// hook has its own subscription and circuit breaker.
type WebhookDispatcher struct {
	hub    *hub.Hub
	log    logrus.FieldLogger
	client *http.Client
	wg     sync.WaitGroup
}

// StartWebhooks launches one delivery loop per active hook. The loops stop
// when ctx is done or the hub closes.
func StartWebhooks(ctx context.Context, h *hub.Hub, hooks []config.WebhookConfig, log logrus.FieldLogger) *WebhookDispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &WebhookDispatcher{
		hub:    h,
		log:    log.WithField("component", "webhooks"),
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
	for i, hook := range hooks {
		if !hook.Active() {
			continue
		}
		d.wg.Add(1)
		go func(idx int, hook config.WebhookConfig) {
			defer d.wg.Done()
			d.run(ctx, idx, hook)
		}(i, hook)
	}
	return d
}

// Wait blocks until every delivery loop has exited.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

func (d *WebhookDispatcher) run(ctx context.Context, idx int, hook config.WebhookConfig) {
	name := fmt.Sprintf("webhook:%d", idx)
	l := d.log.WithFields(logrus.Fields{"subscriber": name, "url": hook.URL})
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("webhook breaker state change")
		},
	})
	filter := newEventFilter(hook.Events)
	for ctx.Err() == nil {
		sub := d.hub.Subscribe(name)
		d.consume(ctx, sub, hook, filter, breaker, l)
		d.hub.Unsubscribe(sub)
		if !d.hub.Evicted(sub) {
			return
		}
		l.Warn("webhook fell behind; resubscribing")
	}
}

func (d *WebhookDispatcher) consume(ctx context.Context, sub *hub.Subscription, hook config.WebhookConfig, filter eventFilter, breaker *gobreaker.CircuitBreaker, l logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if !filter.match(evt.Name) {
				continue
			}
			_, err := breaker.Execute(func() (any, error) {
				return nil, d.postEvent(ctx, hook, evt)
			})
			switch {
			case err == nil:
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				l.WithFields(logrus.Fields{"event": evt.Name, "seq": evt.Seq}).Debug("webhook breaker open; event skipped")
			default:
				l.WithFields(logrus.Fields{"event": evt.Name, "seq": evt.Seq}).WithError(err).Warn("webhook delivery failed")
			}
		}
	}
}

type webhookEvent struct {
	Seq     uint64    `json:"seq"`
	Type    string    `json:"type"`
	TS      time.Time `json:"ts"`
	Payload any       `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt hub.Event) error {
	data, err := json.Marshal(webhookEvent{Seq: evt.Seq, Type: evt.Name, TS: evt.At, Payload: evt.Payload})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskboard-Event", evt.Name)
	req.Header.Set("X-Taskboard-Delivery", fmt.Sprintf("%d", evt.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskboard-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
