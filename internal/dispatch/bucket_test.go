package dispatch

import (
	"testing"
	"time"
)

func TestTokenBucketConstructor(t *testing.T) {
	if _, err := NewTokenBucket(0, 10); err == nil {
		t.Error("zero rate accepted")
	}
	if _, err := NewTokenBucket(-1, 10); err == nil {
		t.Error("negative rate accepted")
	}
	if _, err := NewTokenBucket(10, 0); err == nil {
		t.Error("zero capacity accepted")
	}
	b, err := NewTokenBucket(10, 5)
	if err != nil {
		t.Fatalf("valid constructor: %v", err)
	}
	if b.Tokens() != 5 {
		t.Errorf("fresh bucket holds %v tokens, want 5", b.Tokens())
	}
}

func TestTokenBucketAcquire(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBucket(10, 5, func() time.Time { return now })

	if !b.Acquire(3) {
		t.Fatal("acquire(3) from full bucket failed")
	}
	if b.Tokens() != 2 {
		t.Errorf("tokens = %v, want 2", b.Tokens())
	}
	if b.Acquire(3) {
		t.Fatal("acquire(3) with 2 tokens succeeded")
	}
	if b.Tokens() != 2 {
		t.Errorf("failed acquire changed tokens to %v", b.Tokens())
	}
}

func TestTokenBucketZeroAndNegativeAlwaysSucceed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBucket(10, 5, func() time.Time { return now })
	b.Acquire(5)

	if !b.Acquire(0) {
		t.Error("acquire(0) failed")
	}
	if !b.Acquire(-1) {
		t.Error("acquire(-1) failed")
	}
	if b.Tokens() != 0 {
		t.Errorf("tokens = %v, want 0 untouched", b.Tokens())
	}
}

func TestTokenBucketRefillCapsAtCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBucket(10, 5, func() time.Time { return now })
	b.Acquire(5)

	now = now.Add(200 * time.Millisecond) // refills 2 tokens
	if !b.Acquire(2) {
		t.Fatal("acquire(2) after partial refill failed")
	}

	now = now.Add(time.Hour)
	if !b.Acquire(5) {
		t.Fatal("acquire(5) after long idle failed")
	}
	if b.Acquire(1) {
		t.Error("refill exceeded capacity")
	}
}

func TestTokenBucketReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBucket(10, 5, func() time.Time { return now })
	b.Acquire(5)

	b.Reset()
	if b.Tokens() != 5 {
		t.Errorf("tokens after reset = %v, want 5", b.Tokens())
	}
}
