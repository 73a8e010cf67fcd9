package repository

import (
	"context"

	"github.com/aymanebt/medescrow/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	GetByWallet(ctx context.Context, wallet models.Address) (*models.Account, error)
}
