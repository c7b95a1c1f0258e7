package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// ReceivePort abstracts the receipt write path for the service.
type ReceivePort interface {
	PostReceive(ctx context.Context, input ReceiveInput) (int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates goods receiving.
type Service struct {
	repo  ReceivePort
	audit AuditPort
}

// NewService builds Service.
func NewService(repo ReceivePort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// PostReceive validates and posts a goods receipt, creating the cost
// layer the FIFO engine will consume from.
func (s *Service) PostReceive(ctx context.Context, input ReceiveInput) (int64, error) {
	if input.SKU == "" {
		return 0, fmt.Errorf("%w: sku required", ErrValidation)
	}
	if input.Qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if input.UnitCost.IsNegative() {
		return 0, fmt.Errorf("%w: unit cost must be >= 0", ErrValidation)
	}
	if input.LandedCost.Valid && input.LandedCost.Decimal.IsNegative() {
		return 0, fmt.Errorf("%w: landed cost must be >= 0", ErrValidation)
	}
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = time.Now().UTC()
	}
	if input.RefID == "" {
		input.RefID = receiveRefID(input)
	}
	layerID, err := s.repo.PostReceive(ctx, input)
	if err != nil {
		return 0, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   "procurement:receive",
			Entity:   "fifo_layer",
			EntityID: fmt.Sprintf("%d", layerID),
			Meta: map[string]any{
				"sku":      input.SKU,
				"qty":      input.Qty,
				"order_id": input.OrderID,
			},
		})
	}
	return layerID, nil
}

// receiveRefID derives a stable posting reference so a replayed receipt
// carries the same identity downstream.
func receiveRefID(input ReceiveInput) string {
	seed := fmt.Sprintf("RCV:%d:%s:%d:%d", input.OrderID, input.SKU, input.Qty, input.ReceivedAt.Unix())
	return uuid.NewSHA1(uuid.Nil, []byte(seed)).String()
}
