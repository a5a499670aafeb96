package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindUnknown},
		{name: "plain", err: errors.New("boom"), want: KindUnknown},
		{name: "transient", err: Transient(errors.New("io")), want: KindTransient},
		{name: "permanent", err: Permanent(errors.New("bad input")), want: KindPermanent},
		{name: "wrapped", err: fmt.Errorf("attempt 2: %w", Permanent(errors.New("bad"))), want: KindPermanent},
		{name: "deadline", err: fmt.Errorf("run: %w", context.DeadlineExceeded), want: KindTimeout},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	if !KindTransient.Retryable() || !KindTimeout.Retryable() || !KindUnknown.Retryable() {
		t.Fatal("transient-class kinds must be retryable")
	}
	if KindPermanent.Retryable() || KindCyclicDependency.Retryable() || KindDependencyNotSatisfied.Retryable() {
		t.Fatal("permanent-class kinds must not be retryable")
	}
}

func TestWithKindNil(t *testing.T) {
	t.Parallel()
	if WithKind(KindTransient, nil) != nil {
		t.Fatal("WithKind(nil) must stay nil")
	}
}
