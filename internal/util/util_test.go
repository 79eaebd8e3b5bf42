package util_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/koatty/serve/internal/util"
)

func TestExecuteWithTimeout_CompletesInTime(t *testing.T) {
	err := util.ExecuteWithTimeout(context.Background(), "quick", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	opErr := errors.New("op failed")
	err = util.ExecuteWithTimeout(context.Background(), "failing", time.Second, func(ctx context.Context) error {
		return opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected the operation's own error, got %v", err)
	}
}

func TestExecuteWithTimeout_BudgetExhausted(t *testing.T) {
	cancelled := make(chan struct{})
	err := util.ExecuteWithTimeout(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	if !errors.Is(err, util.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "slow") {
		t.Errorf("error should name the operation: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was never cancelled")
	}
}

func TestExecuteWithTimeout_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := util.ExecuteWithTimeout(ctx, "stuck", time.Minute, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected an error after parent cancellation")
	}
	if errors.Is(err, util.ErrTimeout) {
		t.Errorf("parent cancellation must not report a timeout: %v", err)
	}
}

func TestGenerateServerID_Format(t *testing.T) {
	id := util.GenerateServerID("https")

	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		t.Fatalf("id %q should have three _-separated parts", id)
	}
	if parts[0] != "https" {
		t.Errorf("prefix = %q, want https", parts[0])
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		t.Fatalf("timestamp part %q is not an integer: %v", parts[1], err)
	}
	if d := time.Since(time.UnixMilli(ms)); d < 0 || d > time.Minute {
		t.Errorf("timestamp part %d is not recent (delta %s)", ms, d)
	}
	if len(parts[2]) != 6 {
		t.Errorf("suffix %q should be six characters", parts[2])
	}
	for _, r := range parts[2] {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789", r) {
			t.Errorf("suffix %q contains %q outside the alphabet", parts[2], r)
		}
	}

	if other := util.GenerateServerID("https"); other == id {
		t.Errorf("two generated ids collided: %s", id)
	}
}

func TestDeepEqual_Values(t *testing.T) {
	type inner struct {
		Tags []string
	}
	type outer struct {
		Name  string
		Count int
		In    *inner
		Meta  map[string]any
	}

	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nils", nil, nil, true},
		{"nil vs value", nil, 1, false},
		{"equal ints", 42, 42, true},
		{"different types", 42, int64(42), false},
		{"equal strings", "x", "x", true},
		{"nil slice vs empty slice", []int(nil), []int{}, false},
		{"equal slices", []int{1, 2}, []int{1, 2}, true},
		{"slice order matters", []int{1, 2}, []int{2, 1}, false},
		{"equal maps", map[string]int{"a": 1}, map[string]int{"a": 1}, true},
		{"map value differs", map[string]int{"a": 1}, map[string]int{"a": 2}, false},
		{"map key missing", map[string]int{"a": 1}, map[string]int{"b": 1}, false},
		{
			"nested structs equal",
			outer{Name: "s", Count: 2, In: &inner{Tags: []string{"t"}}, Meta: map[string]any{"k": []int{1}}},
			outer{Name: "s", Count: 2, In: &inner{Tags: []string{"t"}}, Meta: map[string]any{"k": []int{1}}},
			true,
		},
		{
			"nested pointer differs",
			outer{In: &inner{Tags: []string{"t"}}},
			outer{In: &inner{Tags: []string{"u"}}},
			false,
		},
		{"nil funcs equal", (func())(nil), (func())(nil), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := util.DeepEqual(tc.a, tc.b); got != tc.want {
				t.Errorf("DeepEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

type ring struct {
	Val  int
	Next *ring
}

func TestDeepEqual_CyclicValues(t *testing.T) {
	a := &ring{Val: 1}
	a.Next = a
	b := &ring{Val: 1}
	b.Next = b

	// Equivalent cycles terminate and compare equal.
	if !util.DeepEqual(a, b) {
		t.Error("equivalent self-referencing values should be equal")
	}

	c := &ring{Val: 2}
	c.Next = c
	if util.DeepEqual(a, c) {
		t.Error("cycles with different payloads should differ")
	}

	// A two-node cycle against a one-node cycle must still terminate.
	d := &ring{Val: 1}
	d.Next = &ring{Val: 1, Next: d}
	done := make(chan bool, 1)
	go func() { done <- util.DeepEqual(a, d) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("comparison of unequal-period cycles did not terminate")
	}
}
