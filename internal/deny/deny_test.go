package deny

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindUnauthenticated:   http.StatusUnauthorized,
		KindPermissionDenied:  http.StatusForbidden,
		KindContextMissing:    http.StatusUnprocessableEntity,
		KindConfigError:       http.StatusUnprocessableEntity,
		KindContextConflict:   http.StatusConflict,
		KindTenantInactive:    http.StatusForbidden,
		KindExpired:           http.StatusUnauthorized,
		KindNotFound:          http.StatusNotFound,
		KindLocked:            http.StatusLocked,
		KindInsufficientScope: http.StatusForbidden,
		KindInvalidCredential: http.StatusUnauthorized,
		KindUnknown:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.Status(); got != want {
			t.Fatalf("%s: status %d, want %d", kind, got, want)
		}
	}
}

func TestErrorsIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New(KindContextConflict, "branch mismatch").WithMeta("route", int64(5)))
	if !errors.Is(err, ErrContextConflict) {
		t.Fatal("expected ContextConflict match")
	}
	if errors.Is(err, ErrContextMissing) {
		t.Fatal("unexpected ContextMissing match")
	}
	if KindOf(err) != KindContextConflict {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
}

func TestWithMetaDoesNotMutateOriginal(t *testing.T) {
	base := New(KindPermissionDenied, "nope")
	withA := base.WithMeta("a", 1)
	if base.Meta != nil {
		t.Fatal("base meta mutated")
	}
	if withA.Meta["a"] != 1 {
		t.Fatalf("meta missing: %v", withA.Meta)
	}
}

func TestPayloadForHidesInternalErrors(t *testing.T) {
	status, p := PayloadFor(errors.New("pq: connection refused at 10.0.0.3"))
	if status != http.StatusInternalServerError || p.Message != "internal error" || p.Success {
		t.Fatalf("unexpected payload %d %+v", status, p)
	}

	status, p = PayloadFor(New(KindLocked, "branch 5 is inactive"))
	if status != http.StatusLocked || p.Message != "branch 5 is inactive" {
		t.Fatalf("unexpected payload %d %+v", status, p)
	}
}
