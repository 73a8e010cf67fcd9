package repository_test

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aymanebt/medescrow/internal/models"
	repository "github.com/aymanebt/medescrow/internal/repository/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventColumnList = `seq, kind, request_id, requester, payer, amount, deadline, status, paid_at, description, request_created_at, emitted_at`

func sampleEvent(seq uint64, kind models.EventKind) models.Event {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	event := models.Event{
		Seq:  seq,
		Kind: kind,
		Request: models.Request{
			ID:          0,
			Requester:   "0xclinic",
			Payer:       "0xpatient",
			Amount:      100,
			Deadline:    0,
			Status:      models.StatusPending,
			Description: "consultation",
			CreatedAt:   created,
		},
		EmittedAt: created,
	}
	if kind == models.EventRequestPaid {
		event.Request.Status = models.StatusPaid
		event.Request.PaidAt = created.Add(time.Hour)
	}
	return event
}

func TestPostgresEventRepository_ReplayAll(t *testing.T) {
	ctx := context.Background()

	t.Run("returns events in sequence order", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := repository.NewPostgresEventRepository(db)

		created := sampleEvent(0, models.EventRequestCreated)
		paid := sampleEvent(1, models.EventRequestPaid)

		rows := sqlmock.NewRows([]string{"seq", "kind", "request_id", "requester", "payer", "amount",
			"deadline", "status", "paid_at", "description", "request_created_at", "emitted_at"}).
			AddRow(created.Seq, string(created.Kind), created.Request.ID, "0xclinic", "0xpatient",
				created.Request.Amount, created.Request.Deadline, string(created.Request.Status),
				nil, created.Request.Description, created.Request.CreatedAt, created.EmittedAt).
			AddRow(paid.Seq, string(paid.Kind), paid.Request.ID, "0xclinic", "0xpatient",
				paid.Request.Amount, paid.Request.Deadline, string(paid.Request.Status),
				paid.Request.PaidAt, paid.Request.Description, paid.Request.CreatedAt, paid.EmittedAt)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + eventColumnList + ` FROM ledger_events ORDER BY seq ASC`)).
			WillReturnRows(rows)

		events, err := repo.ReplayAll(ctx)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, created, events[0])
		assert.Equal(t, paid, events[1])
	})

	t.Run("database error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := repository.NewPostgresEventRepository(db)

		mock.ExpectQuery("SELECT .* FROM ledger_events").
			WillReturnError(fmt.Errorf("connection refused"))

		_, err = repo.ReplayAll(ctx)
		assert.Error(t, err)
	})

	t.Run("empty log", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := repository.NewPostgresEventRepository(db)

		mock.ExpectQuery("SELECT .* FROM ledger_events").
			WillReturnRows(sqlmock.NewRows([]string{"seq", "kind", "request_id", "requester", "payer",
				"amount", "deadline", "status", "paid_at", "description", "request_created_at", "emitted_at"}))

		events, err := repo.ReplayAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestPostgresEventRepository_ListByWallet(t *testing.T) {
	ctx := context.Background()

	t.Run("filters by wallet and kind", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := repository.NewPostgresEventRepository(db)

		paid := sampleEvent(5, models.EventRequestPaid)
		rows := sqlmock.NewRows([]string{"seq", "kind", "request_id", "requester", "payer", "amount",
			"deadline", "status", "paid_at", "description", "request_created_at", "emitted_at"}).
			AddRow(paid.Seq, string(paid.Kind), paid.Request.ID, "0xclinic", "0xpatient",
				paid.Request.Amount, paid.Request.Deadline, string(paid.Request.Status),
				paid.Request.PaidAt, paid.Request.Description, paid.Request.CreatedAt, paid.EmittedAt)

		mock.ExpectQuery("SELECT .* FROM ledger_events WHERE").
			WithArgs("0xclinic", string(models.EventRequestPaid)).
			WillReturnRows(rows)

		events, err := repo.ListByWallet(ctx, "0xclinic", models.EventRequestPaid)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, paid, events[0])
	})
}
