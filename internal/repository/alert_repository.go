package repository

import (
	"context"

	"github.com/aymanebt/medescrow/internal/models"
)

type AlertRepository interface {
	Create(ctx context.Context, alert *models.Alert) (int64, error)
	ListByWallet(ctx context.Context, wallet models.Address) ([]models.Alert, error)
}
