package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type fakeReceiveRepo struct {
	last    ReceiveInput
	layerID int64
}

func (f *fakeReceiveRepo) PostReceive(ctx context.Context, input ReceiveInput) (int64, error) {
	f.last = input
	f.layerID++
	return f.layerID, nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func TestPostReceiveValidation(t *testing.T) {
	svc := NewService(&fakeReceiveRepo{}, nil)
	ctx := context.Background()

	_, err := svc.PostReceive(ctx, ReceiveInput{Qty: 5, UnitCost: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.PostReceive(ctx, ReceiveInput{SKU: "SKU-A", Qty: 0, UnitCost: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.PostReceive(ctx, ReceiveInput{SKU: "SKU-A", Qty: 5, UnitCost: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.PostReceive(ctx, ReceiveInput{
		SKU:        "SKU-A",
		Qty:        5,
		UnitCost:   decimal.NewFromInt(1),
		LandedCost: decimal.NewNullDecimal(decimal.NewFromInt(-2)),
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestPostReceiveDefaultsTimestampAndAudits(t *testing.T) {
	repo := &fakeReceiveRepo{}
	audit := &fakeAudit{}
	svc := NewService(repo, audit)

	layerID, err := svc.PostReceive(context.Background(), ReceiveInput{
		OrderID:  7,
		SKU:      "SKU-A",
		Qty:      5,
		UnitCost: decimal.RequireFromString("4.20"),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, layerID)
	require.False(t, repo.last.ReceivedAt.IsZero())

	require.Len(t, audit.logs, 1)
	require.Equal(t, "procurement:receive", audit.logs[0].Action)
	require.Equal(t, "1", audit.logs[0].EntityID)
}

func TestPostReceiveDerivesStableRefID(t *testing.T) {
	repo := &fakeReceiveRepo{}
	svc := NewService(repo, nil)

	input := ReceiveInput{
		OrderID:    7,
		SKU:        "SKU-A",
		Qty:        5,
		UnitCost:   decimal.NewFromInt(1),
		ReceivedAt: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
	}
	_, err := svc.PostReceive(context.Background(), input)
	require.NoError(t, err)
	first := repo.last.RefID
	require.NotEmpty(t, first)

	// Replaying the identical receipt yields the identical reference.
	_, err = svc.PostReceive(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, first, repo.last.RefID)

	// A caller-supplied reference wins.
	input.RefID = "custom-ref"
	_, err = svc.PostReceive(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, "custom-ref", repo.last.RefID)
}

func TestPostReceiveKeepsExplicitTimestamp(t *testing.T) {
	repo := &fakeReceiveRepo{}
	svc := NewService(repo, nil)

	at := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	_, err := svc.PostReceive(context.Background(), ReceiveInput{
		SKU: "SKU-A", Qty: 5, UnitCost: decimal.NewFromInt(1), ReceivedAt: at,
	})
	require.NoError(t, err)
	require.True(t, repo.last.ReceivedAt.Equal(at))
}

func TestWeightedAverage(t *testing.T) {
	avg := WeightedAverage([]QtyPrice{
		{Qty: 4, Price: decimal.NewFromInt(20)},
		{Qty: 2, Price: decimal.NewFromInt(26)},
	})
	require.Equal(t, "22.00", avg.StringFixed(2))

	require.True(t, WeightedAverage(nil).IsZero())
	require.True(t, WeightedAverage([]QtyPrice{{Qty: 0, Price: decimal.NewFromInt(9)}}).IsZero())
}

func TestPriceBookLookups(t *testing.T) {
	book := NewPriceBook(
		map[int64]decimal.Decimal{1: decimal.NewFromInt(12)},
		map[int64]decimal.Decimal{7: decimal.NewFromInt(11)},
	)

	p, ok := book.LayerPrice(1)
	require.True(t, ok)
	require.Equal(t, "12", p.String())

	p, ok = book.ReceivePrice(7)
	require.True(t, ok)
	require.Equal(t, "11", p.String())

	_, ok = book.LayerPrice(2)
	require.False(t, ok)

	// Zero is the "no receive line" sentinel, never a valid key.
	_, ok = book.ReceivePrice(0)
	require.False(t, ok)
}

func TestBasePriceConversion(t *testing.T) {
	line := OrderLine{UnitPrice: decimal.RequireFromString("18"), ExchangeRate: decimal.RequireFromString("0.9")}
	require.Equal(t, "16.20", line.BasePrice().StringFixed(2))

	// A missing rate keeps the order-currency price instead of zeroing it.
	line.ExchangeRate = decimal.Zero
	require.Equal(t, "18.00", line.BasePrice().StringFixed(2))
}
