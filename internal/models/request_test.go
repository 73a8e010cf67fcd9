package models_test

import (
	"testing"

	"github.com/aymanebt/medescrow/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status models.Status
		want   bool
	}{
		{models.StatusPending, false},
		{models.StatusPaid, true},
		{models.StatusCancelled, true},
		{models.StatusExpired, true},
		{models.Status(""), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.status.Terminal(), "status %q", tc.status)
	}
}
