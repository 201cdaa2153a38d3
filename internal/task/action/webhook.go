package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"jobmesh/internal/task"
)

// Webhook POSTs Params["body"] (default: a small JSON run descriptor) to
// Params["url"]. Each host gets its own circuit breaker so a dead
// endpoint fails fast instead of holding pool workers.
type Webhook struct {
	Client *http.Client

	// TripAfter consecutive failures open a host breaker (default 5).
	TripAfter uint32
	// OpenFor is how long an open breaker rejects calls (default 30s).
	OpenFor time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

func (*Webhook) Kind() string { return "webhook" }

func (w *Webhook) New(a task.Action, env Env) (Unit, error) {
	raw, err := param(a, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: action %s url=%q", ErrParam, a.ID, raw)
	}
	body := a.Params["body"]
	if body == "" {
		body = fmt.Sprintf(`{"task_id":%q,"run_id":%q,"start":%q}`, env.TaskID, env.RunID, env.Start.UTC().Format(time.RFC3339))
	}
	ctype := a.Params["content_type"]
	if ctype == "" {
		ctype = "application/json"
	}
	return &webhookUnit{w: w, url: u.String(), host: u.Host, body: body, ctype: ctype}, nil
}

func (w *Webhook) breaker(host string) *gobreaker.CircuitBreaker[int] {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.breakers == nil {
		w.breakers = map[string]*gobreaker.CircuitBreaker[int]{}
	}
	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	trip := w.TripAfter
	if trip == 0 {
		trip = 5
	}
	openFor := w.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		// A canceled run says nothing about the endpoint.
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, context.Canceled) },
	})
	w.breakers[host] = cb
	return cb
}

func (w *Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return http.DefaultClient
}

type webhookUnit struct {
	w     *Webhook
	url   string
	host  string
	body  string
	ctype string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   bool
}

func (u *webhookUnit) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		cancel()
		return context.Canceled
	}
	u.cancel = cancel
	u.mu.Unlock()
	defer cancel()

	_, err := u.w.breaker(u.host).Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, strings.NewReader(u.body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", u.ctype)
		resp, err := u.w.client().Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("webhook %s returned %d", u.host, resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("webhook %s: %w", u.host, err)
	}
	return err
}

func (u *webhookUnit) Cancel() {
	u.mu.Lock()
	u.done = true
	if u.cancel != nil {
		u.cancel()
	}
	u.mu.Unlock()
}
