package queue

import (
	"testing"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

func TestStatusRoutingKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status domain.Status
		want   string
	}{
		{status: domain.StatusPending, want: "status.pending"},
		{status: domain.StatusDelivered, want: "status.delivered"},
		{status: domain.StatusFailed, want: "status.failed"},
	}

	for _, tc := range testCases {
		if got := StatusRoutingKey(tc.status); got != tc.want {
			t.Fatalf("StatusRoutingKey(%s) = %q, want %q", tc.status, got, tc.want)
		}
	}
}
