package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakePublisher implements RedisPublisher for tests
type fakePublisher struct {
	fail     int // number of times to fail before succeeding
	calls    int
	channels []string
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("publish fail")
	}
	f.channels = append(f.channels, channel)
	return nil
}

func TestPublishWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakePublisher{fail: 2}
	start := time.Now()
	if err := publishWithRetry(context.Background(), f, "realtime:public:rides", []byte(`{}`), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestPublishWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakePublisher{fail: 5}
	if err := publishWithRetry(context.Background(), f, "realtime:public:rides", []byte(`{}`), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestPublishWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakePublisher{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := publishWithRetry(ctx, f, "c", nil, 3, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.calls)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"rides", `{"eventType":"UPDATE","schema":"public","table":"rides","new":{"id":"r1"}}`, "realtime:public:rides", false},
		{"offers default schema", `{"eventType":"INSERT","table":"ride_offers","new":{"id":"o1"}}`, "realtime:public:ride_offers", false},
		{"unknown table", `{"eventType":"INSERT","table":"payments"}`, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := route("realtime", []byte(tt.value))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}
