package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusUnauthorized, KindInvalidRequest},
		{http.StatusNotFound, KindInvalidRequest},
	}
	for _, tc := range cases {
		err := FromStatus("coingecko", tc.status, nil)
		if err.Kind != tc.want {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.want, err.Kind)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := FromStatus("binance", http.StatusServiceUnavailable, errors.New("down"))
	wrapped := fmt.Errorf("fetch: %w", base)

	if !Is(wrapped, KindServer) {
		t.Fatalf("wrapped error should keep its kind, got %s", KindOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Fatal("server errors must be retryable")
	}
	if Retryable(FromStatus("binance", http.StatusForbidden, nil)) {
		t.Fatal("4xx must not be retryable")
	}
	if !Is(context.DeadlineExceeded, KindNetwork) {
		t.Fatal("deadline exceeded should classify as network")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("unclassified errors should be unknown")
	}
}

func TestFromTransportKeepsCancellation(t *testing.T) {
	if err := FromTransport("x", context.Canceled); !errors.Is(err, context.Canceled) || Is(err, KindNetwork) {
		t.Fatalf("cancellation must pass through unclassified: %v", err)
	}
	if err := FromTransport("x", errors.New("dial tcp: refused")); !Is(err, KindNetwork) {
		t.Fatalf("transport errors should be network, got %v", err)
	}
}
