// Package callback delivers activation change notifications to subscribed
// HTTP endpoints. Delivery is fire and forget: events are queued after the
// state transition committed, a bounded worker pool posts them, and failures
// are logged but never reach the caller or roll anything back.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"code.activault.org/server/internal/observability"
	"code.activault.org/server/pkg/store"
)

const (
	defaultQueueSize      = 256
	defaultWorkerCount    = 4
	defaultConnectTimeout = 5 * time.Second
)

// Proxy configures an optional HTTP proxy for outbound callback requests.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Config tunes the Notifier.
type Config struct {
	ConnectTimeout time.Duration
	QueueSize      int
	WorkerCount    int
	Proxy          *Proxy
	Logger         *slog.Logger
}

type event struct {
	callback store.CallbackUrl
	payload  map[string]any
}

// Notifier implements service.Notifier over a bounded task queue.
type Notifier struct {
	client *http.Client
	queue  chan event
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New starts a Notifier with cfg. Call Close to drain and stop the workers.
func New(cfg Config) (*Notifier, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if nil != cfg.Proxy {
		proxyUrl, err := proxyUrlOf(cfg.Proxy)
		if nil != err {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyUrl)
	}

	log := cfg.Logger
	if nil == log {
		log = slog.Default()
	}

	self := &Notifier{
		client: &http.Client{Timeout: cfg.ConnectTimeout, Transport: transport},
		queue:  make(chan event, cfg.QueueSize),
		log:    log,
	}
	self.wg.Add(cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		go self.work()
	}
	return self, nil
}

// Close stops accepting events and terminates the workers once the queue is
// drained.
func (self *Notifier) Close() {
	close(self.queue)
	self.wg.Wait()
}

// Notify enqueues one event per subscription. When the queue is full the
// event is dropped with a log line: callbacks are best effort.
func (self *Notifier) Notify(ctx context.Context, callbacks []store.CallbackUrl, activation store.Activation) {
	log := observability.GetObservability(ctx).Log()
	for _, cb := range callbacks {
		evt := event{callback: cb, payload: payloadOf(cb, activation)}
		select {
		case self.queue <- evt:
		default:
			log.Warn("callback queue full, dropping event", "url", cb.URL, "activationId", activation.ActivationID)
		}
	}
}

func (self *Notifier) work() {
	defer self.wg.Done()
	for evt := range self.queue {
		self.post(evt)
	}
}

func (self *Notifier) post(evt event) {
	body, err := json.Marshal(evt.payload)
	if nil != err {
		return
	}
	resp, err := self.client.Post(evt.callback.URL, "application/json", bytes.NewReader(body))
	if nil != err {
		self.log.Warn("callback failed", "url", evt.callback.URL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		self.log.Warn("callback failed", "url", evt.callback.URL, "status", resp.StatusCode)
	}
}

// payloadOf selects the activation fields the subscription asked for.
// The activation id is always present.
func payloadOf(cb store.CallbackUrl, activation store.Activation) map[string]any {
	payload := map[string]any{"activationId": activation.ActivationID}
	for _, attr := range cb.Attributes {
		switch attr {
		case "userId":
			payload["userId"] = activation.UserID
		case "activationName":
			payload["activationName"] = activation.ActivationName
		case "activationStatus":
			payload["activationStatus"] = activation.Status.String()
		case "blockedReason":
			payload["blockedReason"] = activation.BlockedReason
		case "applicationId":
			payload["applicationId"] = activation.ApplicationID
		case "activationFlags":
			payload["activationFlags"] = activation.Flags
		}
	}
	return payload
}

func proxyUrlOf(proxy *Proxy) (*url.URL, error) {
	if "" == proxy.Host || proxy.Port <= 0 {
		return nil, newError("invalid proxy configuration")
	}
	proxyUrl, err := url.Parse(fmt.Sprintf("http://%s:%d", proxy.Host, proxy.Port))
	if nil != err {
		return nil, wrapError(err, "failed proxy url parsing")
	}
	if "" != proxy.Username {
		proxyUrl.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	return proxyUrl, nil
}
