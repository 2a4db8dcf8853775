package inventory

import (
	"context"

	"go.uber.org/zap"

	"stockmesh/internal/observability"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

const (
	criticalStockLevel = 5
	warningStockLevel  = 10
)

// ClassifySeverity grades a new stock level: below 5 is critical, below 10 a warning.
func ClassifySeverity(newQuantity int) Severity {
	switch {
	case newQuantity < criticalStockLevel:
		return SeverityCritical
	case newQuantity < warningStockLevel:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// AlertSubscriber logs every change at a level matching its severity.
type AlertSubscriber struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewAlertSubscriber(logger *zap.Logger, metrics *observability.Metrics) *AlertSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSubscriber{
		logger:  logger.Named("inventory.alerts"),
		metrics: metrics,
	}
}

func (a *AlertSubscriber) Name() string { return "stock-alerts" }

func (a *AlertSubscriber) Handle(_ context.Context, event ChangeEvent) error {
	severity := ClassifySeverity(event.NewQuantity)
	a.metrics.StockAlert(string(severity))

	fields := []zap.Field{
		zap.Int64("product_id", event.ProductID),
		zap.String("operation", string(event.Operation)),
		zap.Int("previous_quantity", event.PreviousQuantity),
		zap.Int("new_quantity", event.NewQuantity),
		zap.Time("timestamp", event.Timestamp),
		zap.String("severity", string(severity)),
	}

	switch severity {
	case SeverityCritical:
		a.logger.Error("critical stock level", fields...)
	case SeverityWarning:
		a.logger.Warn("low stock level", fields...)
	default:
		a.logger.Info("inventory changed", fields...)
	}
	return nil
}
