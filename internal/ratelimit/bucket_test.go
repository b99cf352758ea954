package ratelimit

import "testing"

func TestConsumeWithinLimit(t *testing.T) {
	b := New()
	now := int64(0)
	for i := 1; i <= 3; i++ {
		if !b.Consume("ip1", 3, now) {
			t.Fatalf("call %d: expected Consume to succeed within limit", i)
		}
	}
	if b.Consume("ip1", 3, now) {
		t.Fatal("4th call should exceed limit of 3")
	}
}

func TestConsumeZeroLimitAlwaysDenies(t *testing.T) {
	b := New()
	if b.Consume("ip1", 0, 0) {
		t.Fatal("zero limit must always deny")
	}
}

func TestConsumeWindowReset(t *testing.T) {
	b := New()
	if !b.Consume("ip1", 1, 0) {
		t.Fatal("first call should succeed")
	}
	if b.Consume("ip1", 1, 1) {
		t.Fatal("second call inside window should fail")
	}
	if !b.Consume("ip1", 1, Window) {
		t.Fatal("call at window boundary should succeed in a fresh window")
	}
}

func TestBucketsAreIndependentPerKey(t *testing.T) {
	b := New()
	if !b.Consume("a", 1, 0) {
		t.Fatal("key a should succeed")
	}
	if !b.Consume("b", 1, 0) {
		t.Fatal("key b should be independent of key a")
	}
}
