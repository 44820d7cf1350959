package builder

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsInfra(t *testing.T) {
	base := errors.New("registry unreachable")
	if !IsInfra(Infra(base)) {
		t.Fatal("expected wrapped error to be infra")
	}
	if !IsInfra(fmt.Errorf("push: %w", Infra(base))) {
		t.Fatal("expected infra to survive wrapping")
	}
	if IsInfra(base) {
		t.Fatal("plain error must not be infra")
	}
	if IsInfra(nil) {
		t.Fatal("nil must not be infra")
	}
	if Infra(nil) != nil {
		t.Fatal("Infra(nil) must be nil")
	}
	if !errors.Is(Infra(base), base) {
		t.Fatal("expected Unwrap to reach the base error")
	}
}
