package shopkeep

import (
	"errors"
	"fmt"
	"testing"
)

func TestStandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrValidation", ErrValidation, "validation failed"},
		{"ErrConflict", ErrConflict, "conflict"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrResourceConflict", ErrResourceConflict, "resource conflict"},
		{"ErrExternal", ErrExternal, "external failure"},
		{"ErrCompilation", ErrCompilation, "compilation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("%s.Error() = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op and site",
			err:  NewError(ErrExternal, "install plugin", "demo1", errors.New("exit code 1")),
			want: "install plugin (demo1): exit code 1",
		},
		{
			name: "kind only",
			err:  NewError(ErrConflict, "reserve", "", nil),
			want: "reserve: conflict",
		},
		{
			name: "with details",
			err:  NewError(ErrValidation, "import", "demo1", ErrValidation, "line 3: unknown string_id", "line 7: empty string_id"),
			want: "import (demo1): validation failed [line 3: unknown string_id, line 7: empty string_id]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIsKind(t *testing.T) {
	base := errors.New("connection refused")
	err := NewError(ErrExternal, "run container", "demo1", base)

	if !errors.Is(err, ErrExternal) {
		t.Error("errors.Is(err, ErrExternal) should be true")
	}
	if errors.Is(err, ErrConflict) {
		t.Error("errors.Is(err, ErrConflict) should be false")
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is(err, base) should be true through Unwrap")
	}

	var target *Error
	if !errors.As(fmt.Errorf("step: %w", err), &target) || target.Op != "run container" {
		t.Errorf("errors.As through a wrapper = %v", target)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"typed", NewError(ErrNotFound, "get", "x", nil), ErrNotFound},
		{"outermost wins", NewError(ErrExternal, "step", "x", NewError(ErrConflict, "inner", "x", nil)), ErrExternal},
		{"wrapped sentinel", fmt.Errorf("reading: %w", ErrCompilation), ErrCompilation},
		{"plain", errors.New("boom"), nil},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetailsOf(t *testing.T) {
	inner := NewError(ErrValidation, "validate request", "x", ErrValidation, "site_name: is required")
	outer := NewError(ErrValidation, "create shop", "x", inner)

	got := DetailsOf(fmt.Errorf("wrapped: %w", outer))
	if len(got) != 1 || got[0] != "site_name: is required" {
		t.Errorf("DetailsOf() = %v", got)
	}
	if got := DetailsOf(errors.New("plain")); got != nil {
		t.Errorf("DetailsOf(plain) = %v, want nil", got)
	}
}
