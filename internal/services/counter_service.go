package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/storefront-shop/api/internal/repositories"
)

const (
	orderNumberPrefix       = "ORD-"
	orderNumberDateLayout   = "20060102"
	defaultOrderSequenceMax = 99999
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the daily sequence passed its max value.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	// Orders seeds a day's sequence from order numbers issued before the counter row existed.
	Orders      repositories.OrderRepository
	Location    *time.Location
	MaxSequence int64
}

type counterService struct {
	repo     repositories.CounterRepository
	orders   repositories.OrderRepository
	location *time.Location
	max      int64
}

var _ CounterService = (*counterService)(nil)

// NewCounterService constructs the order number generator.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	max := deps.MaxSequence
	if max <= 0 {
		max = defaultOrderSequenceMax
	}
	return &counterService{
		repo:     deps.Repository,
		orders:   deps.Orders,
		location: loc,
		max:      max,
	}, nil
}

// NextOrderNumber returns ORD-YYYYMMDD-NNNNN for the day of now in the configured zone.
func (s *counterService) NextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	if now.IsZero() {
		return "", fmt.Errorf("%w: timestamp is required", ErrCounterInvalidInput)
	}
	day := now.In(s.location).Format(orderNumberDateLayout)
	prefix := orderNumberPrefix + day + "-"

	floor, err := s.floor(ctx, prefix)
	if err != nil {
		return "", err
	}

	max := s.max
	seq, err := s.repo.Next(ctx, "orders:"+day, repositories.CounterConfig{Step: 1, Floor: floor, MaxValue: &max})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			switch counterErr.Code {
			case repositories.CounterErrorInvalidInput:
				return "", fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
			case repositories.CounterErrorExhausted:
				return "", fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
			}
		}
		return "", err
	}
	return formatOrderNumber(prefix, seq), nil
}

func (s *counterService) floor(ctx context.Context, prefix string) (int64, error) {
	if s.orders == nil {
		return 0, nil
	}
	latest, err := s.orders.LatestOrderNumber(ctx, prefix)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil
		}
		return 0, err
	}
	return parseOrderSequence(latest, prefix), nil
}

func formatOrderNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s%05d", prefix, seq)
}

// parseOrderSequence returns 0 for numbers that do not carry the prefix or a numeric suffix.
func parseOrderSequence(orderNumber, prefix string) int64 {
	suffix, ok := strings.CutPrefix(strings.TrimSpace(orderNumber), prefix)
	if !ok {
		return 0
	}
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}
