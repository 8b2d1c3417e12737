package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"code.activault.org/server/pkg/store"
)

func TestNotifyPostsSelectedAttributes(t *testing.T) {
	var mut sync.Mutex
	var payloads []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); nil == err {
			mut.Lock()
			payloads = append(payloads, payload)
			mut.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := New(Config{WorkerCount: 1})
	if nil != err {
		t.Fatalf("Failed notifier creation, got error %v", err)
	}

	activation := store.Activation{
		ActivationID:   "activation-1",
		UserID:         "alice",
		ActivationName: "alice's phone",
		Status:         store.ActivationActive,
		ApplicationID:  7,
	}
	callbacks := []store.CallbackUrl{{
		ID:         "cb-1",
		URL:        server.URL,
		Attributes: []string{"userId", "activationStatus"},
	}}
	notifier.Notify(context.Background(), callbacks, activation)
	notifier.Close()

	mut.Lock()
	defer mut.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("Failed delivery control, %d != 1", len(payloads))
	}
	payload := payloads[0]
	if payload["activationId"] != "activation-1" {
		t.Error("Failed activation id control")
	}
	if payload["userId"] != "alice" {
		t.Error("Failed attribute selection control, userId missing")
	}
	if payload["activationStatus"] != "ACTIVE" {
		t.Error("Failed attribute selection control, status missing")
	}
	if _, present := payload["activationName"]; present {
		t.Error("Failed attribute selection control, unselected field delivered")
	}
}

func TestNotifierSurvivesDeadEndpoint(t *testing.T) {
	notifier, err := New(Config{WorkerCount: 1})
	if nil != err {
		t.Fatalf("Failed notifier creation, got error %v", err)
	}
	callbacks := []store.CallbackUrl{{ID: "cb-1", URL: "http://127.0.0.1:1/unreachable"}}
	notifier.Notify(context.Background(), callbacks, store.Activation{ActivationID: "activation-1"})
	notifier.Close() // must not hang or panic
}

func TestProxyConfiguration(t *testing.T) {
	_, err := New(Config{Proxy: &Proxy{Host: "", Port: 0}})
	if nil == err {
		t.Error("Failed proxy validation control")
	}

	notifier, err := New(Config{Proxy: &Proxy{Host: "proxy.internal", Port: 3128, Username: "svc", Password: "secret"}})
	if nil != err {
		t.Fatalf("Failed notifier creation, got error %v", err)
	}
	notifier.Close()
}
