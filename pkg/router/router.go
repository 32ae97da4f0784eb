package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// InstanceBridge is the controller's view of the instance-side bridges:
// typed requests addressed by instance ID. Implementations bound each
// request by the transport timeout; absence of a response past that
// bound surfaces as an error.
type InstanceBridge interface {
	ImportPlatform(ctx context.Context, instanceID int, req *ImportPlatformRequest) (*ImportPlatformResponse, error)
	ExportPlatform(ctx context.Context, instanceID int, req *ExportPlatformRequest) (*ExportPlatformResponse, error)
	DeleteSourcePlatform(ctx context.Context, instanceID int, req *DeleteSourcePlatformRequest) (*DeleteSourcePlatformResponse, error)
	UnlockSourcePlatform(ctx context.Context, instanceID int, req *UnlockSourcePlatformRequest) (*UnlockSourcePlatformResponse, error)
	ListPlatforms(ctx context.Context, instanceID int, forceName string) ([]*types.PlatformDescriptor, error)

	// SendTransferStatus is fire-and-forget; delivery failures are the
	// bridge's problem, not the orchestrator's.
	SendTransferStatus(instanceID int, update *TransferStatusUpdate)
}

// ControlConnection is one connected control client.
type ControlConnection interface {
	ID() string
	Send(event any) error
	HasPermission(permission string) bool
}

// InstanceHandler is the instance side of the fabric: the host bridge
// attaches one handler per connected instance.
type InstanceHandler interface {
	ImportPlatform(ctx context.Context, req *ImportPlatformRequest) (*ImportPlatformResponse, error)
	ExportPlatform(ctx context.Context, req *ExportPlatformRequest) (*ExportPlatformResponse, error)
	DeleteSourcePlatform(ctx context.Context, req *DeleteSourcePlatformRequest) (*DeleteSourcePlatformResponse, error)
	UnlockSourcePlatform(ctx context.Context, req *UnlockSourcePlatformRequest) (*UnlockSourcePlatformResponse, error)
	ListPlatforms(ctx context.Context, forceName string) ([]*types.PlatformDescriptor, error)
	TransferStatus(update *TransferStatusUpdate)
}

// Router is the in-process message fabric: it implements InstanceBridge
// by dispatching to attached per-instance handlers, applying the
// transport timeout to every request.
type Router struct {
	mu             sync.RWMutex
	handlers       map[int]InstanceHandler
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// New creates a router with the given transport timeout.
func New(requestTimeout time.Duration) *Router {
	return &Router{
		handlers:       make(map[int]InstanceHandler),
		requestTimeout: requestTimeout,
		logger:         log.WithComponent("router"),
	}
}

// AttachInstance registers the handler for a connected instance.
func (r *Router) AttachInstance(instanceID int, h InstanceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[instanceID] = h
	r.logger.Info().Int("instance_id", instanceID).Msg("Instance bridge attached")
}

// DetachInstance removes a disconnected instance's handler.
func (r *Router) DetachInstance(instanceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, instanceID)
	r.logger.Info().Int("instance_id", instanceID).Msg("Instance bridge detached")
}

func (r *Router) handler(instanceID int) (InstanceHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %d is not connected: %w", instanceID, errdefs.ErrNotFound)
	}
	return h, nil
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.requestTimeout)
}

// ImportPlatform implements InstanceBridge.
func (r *Router) ImportPlatform(ctx context.Context, instanceID int, req *ImportPlatformRequest) (*ImportPlatformResponse, error) {
	h, err := r.handler(instanceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return h.ImportPlatform(ctx, req)
}

// ExportPlatform implements InstanceBridge.
func (r *Router) ExportPlatform(ctx context.Context, instanceID int, req *ExportPlatformRequest) (*ExportPlatformResponse, error) {
	h, err := r.handler(instanceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return h.ExportPlatform(ctx, req)
}

// DeleteSourcePlatform implements InstanceBridge.
func (r *Router) DeleteSourcePlatform(ctx context.Context, instanceID int, req *DeleteSourcePlatformRequest) (*DeleteSourcePlatformResponse, error) {
	h, err := r.handler(instanceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return h.DeleteSourcePlatform(ctx, req)
}

// UnlockSourcePlatform implements InstanceBridge.
func (r *Router) UnlockSourcePlatform(ctx context.Context, instanceID int, req *UnlockSourcePlatformRequest) (*UnlockSourcePlatformResponse, error) {
	h, err := r.handler(instanceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return h.UnlockSourcePlatform(ctx, req)
}

// ListPlatforms implements InstanceBridge.
func (r *Router) ListPlatforms(ctx context.Context, instanceID int, forceName string) ([]*types.PlatformDescriptor, error) {
	h, err := r.handler(instanceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return h.ListPlatforms(ctx, forceName)
}

// SendTransferStatus implements InstanceBridge. Updates to disconnected
// instances are dropped.
func (r *Router) SendTransferStatus(instanceID int, update *TransferStatusUpdate) {
	h, err := r.handler(instanceID)
	if err != nil {
		r.logger.Debug().Int("instance_id", instanceID).Str("transfer_id", update.TransferID).
			Msg("Dropping status update for disconnected instance")
		return
	}
	h.TransferStatus(update)
}
