package ports

import (
	"context"

	"github.com/wpeva/undetect-fleet/pkg/domain"
)

// StateTransport moves a session's opaque payload between regions. The engine
// only measures elapsed time and interprets success or failure; the wire
// format and the movement mechanism belong entirely to the implementation.
type StateTransport interface {
	// ExportState serializes the session's payload at its current region.
	ExportState(ctx context.Context, session *domain.Session) ([]byte, error)

	// ImportState lands a previously exported payload in the target region.
	// A nil error is the acknowledgement that the transfer completed.
	ImportState(ctx context.Context, region string, payload []byte) error
}
