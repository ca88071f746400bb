package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/storefront-shop/api/internal/domain"
)

func TestCounterServiceNextOrderNumberFormat(t *testing.T) {
	store := newMemStore()
	svc, err := NewCounterService(CounterServiceDeps{Repository: store.counterRepo(), Orders: store.orderRepo()})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	now := time.Date(2024, time.March, 9, 23, 30, 0, 0, time.UTC)
	first, err := svc.NextOrderNumber(context.Background(), now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	second, err := svc.NextOrderNumber(context.Background(), now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first != "ORD-20240309-00001" || second != "ORD-20240309-00002" {
		t.Fatalf("unexpected numbers %s %s", first, second)
	}

	nextDay, err := svc.NextOrderNumber(context.Background(), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if nextDay != "ORD-20240310-00001" {
		t.Fatalf("expected sequence to restart per day, got %s", nextDay)
	}
}

func TestCounterServiceUsesConfiguredZone(t *testing.T) {
	zone := time.FixedZone("SAST", 2*60*60)
	store := newMemStore()
	svc, err := NewCounterService(CounterServiceDeps{Repository: store.counterRepo(), Location: zone})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	got, err := svc.NextOrderNumber(context.Background(), time.Date(2024, time.March, 9, 23, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != "ORD-20240310-00001" {
		t.Fatalf("expected local date, got %s", got)
	}
}

func TestCounterServiceSeedsFromExistingOrders(t *testing.T) {
	store := newMemStore()
	store.putOrder(domain.Order{OrderNumber: "ORD-20240309-00041"})
	store.putOrder(domain.Order{OrderNumber: "ORD-20240308-00090"})

	svc, err := NewCounterService(CounterServiceDeps{Repository: store.counterRepo(), Orders: store.orderRepo()})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	got, err := svc.NextOrderNumber(context.Background(), time.Date(2024, time.March, 9, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != "ORD-20240309-00042" {
		t.Fatalf("expected to continue after existing orders, got %s", got)
	}
}

func TestCounterServiceExhausted(t *testing.T) {
	store := newMemStore()
	svc, err := NewCounterService(CounterServiceDeps{Repository: store.counterRepo(), MaxSequence: 2})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}
	now := time.Date(2024, time.March, 9, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, err := svc.NextOrderNumber(context.Background(), now); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}
	if _, err := svc.NextOrderNumber(context.Background(), now); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected ErrCounterExhausted, got %v", err)
	}
}

func TestParseOrderSequence(t *testing.T) {
	cases := map[string]int64{
		"ORD-20240309-00041": 41,
		"ORD-20240309-abc":   0,
		"ORD-20240308-00041": 0,
		"":                   0,
	}
	for in, want := range cases {
		if got := parseOrderSequence(in, "ORD-20240309-"); got != want {
			t.Errorf("parseOrderSequence(%q) = %d, want %d", in, got, want)
		}
	}
}
