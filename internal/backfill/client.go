package backfill

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/config"
)

// TemporalClient wraps a Temporal connection with the queue and workflow-id
// naming conventions this repo's maintenance workflows use, adapted from
// the teacher's per-chain Client (pkg/temporal/client.go) to per-room
// maintenance instead of per-chain indexing.
type TemporalClient struct {
	TClient   client.Client
	Namespace string

	MaintenanceQueue string
}

// NewTemporalClient dials Temporal using environment configuration,
// matching internal/notify's config.Env-driven constructor shape.
func NewTemporalClient(ctx context.Context, logger *zap.Logger) (*TemporalClient, error) {
	hostPort := config.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	namespace := config.Env("TEMPORAL_NAMESPACE", "matrixcore")

	logger.Info("backfill: connecting to temporal", zap.String("host", hostPort), zap.String("namespace", namespace))

	c, err := client.DialContext(ctx, client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    NewZapAdapter(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to temporal at %s: %w", hostPort, err)
	}

	return &TemporalClient{TClient: c, Namespace: namespace, MaintenanceQueue: "room-maintenance"}, nil
}

// Close releases the underlying connection.
func (c *TemporalClient) Close() { c.TClient.Close() }

// RepairWorkflowID names the workflow instance that repairs one room's
// derived indices, one execution per room per invocation.
func (c *TemporalClient) RepairWorkflowID(roomID string) string {
	return fmt.Sprintf("room-repair:%s", roomID)
}

// PurgeWorkflowID names the workflow instance that purges one room.
func (c *TemporalClient) PurgeWorkflowID(roomID string) string {
	return fmt.Sprintf("room-purge:%s", roomID)
}
