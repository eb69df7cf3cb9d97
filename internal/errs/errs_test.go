package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestNewPopulatesFields(t *testing.T) {
	cause := errors.New("boom")
	err := New("bridge/publish", CodeNetwork, WithMessage("publish failed"), WithCause(cause))

	if err.Scope != "bridge/publish" {
		t.Errorf("scope = %q, want bridge/publish", err.Scope)
	}
	if err.Code != CodeNetwork {
		t.Errorf("code = %q, want %q", err.Code, CodeNetwork)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to match the cause")
	}
}

func TestErrorStringIncludesParts(t *testing.T) {
	err := New("registry/admit", CodeInvalid, WithMessage("user id required"))

	got := err.Error()
	for _, want := range []string{"scope=registry/admit", "code=invalid_request", `message="user id required"`} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestNilError(t *testing.T) {
	var err *E
	if err.Error() != "<nil>" {
		t.Errorf("nil error string = %q", err.Error())
	}
}
