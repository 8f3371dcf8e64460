package backup

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/covenantd/covenant/internal/backup")

var (
	backupsTotal   metric.Int64Counter
	backupFailures metric.Int64Counter
	rotationsTotal metric.Int64Counter
)

func init() {
	var err error
	backupsTotal, err = meter.Int64Counter("backup.snapshots.total",
		metric.WithDescription("Snapshots written"))
	if err != nil {
		backupsTotal, _ = meter.Int64Counter("backup.snapshots.total.fallback")
	}

	backupFailures, err = meter.Int64Counter("backup.failures.total",
		metric.WithDescription("Failed backup attempts"))
	if err != nil {
		backupFailures, _ = meter.Int64Counter("backup.failures.total.fallback")
	}

	rotationsTotal, err = meter.Int64Counter("backup.rotations.total",
		metric.WithDescription("Snapshots removed by retention rotation"))
	if err != nil {
		rotationsTotal, _ = meter.Int64Counter("backup.rotations.total.fallback")
	}
}
