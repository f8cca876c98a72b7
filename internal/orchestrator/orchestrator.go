// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package orchestrator composes the instance operations the API exposes:
// create, get, list, start, and stop. Writes go through the state store and
// long-running work is queued; nothing here blocks on instance readiness.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/products"
	"gpufleet/internal/provider"
	"gpufleet/internal/queue"
	"gpufleet/internal/state"
	"gpufleet/internal/templates"
	"gpufleet/pkg/fleet"
)

// Lead times quoted to callers as estimatedReadyAt. Creation includes the
// image pull; a restart does not.
const (
	createLeadTime = 90 * time.Second
	startLeadTime  = 60 * time.Second
)

// Options tune the orchestrator.
type Options struct {
	// Regions are the candidate regions for product selection, tried in
	// priority order.
	Regions []fleet.RegionConfig

	// DefaultRegion names the region promoted to the front of the
	// candidate list when the caller does not pick one.
	DefaultRegion string

	// StartupMaxWait bounds startup monitoring.
	StartupMaxWait time.Duration

	// ProbeConfig is the default readiness probe shape.
	ProbeConfig fleet.ProbeConfig

	// FallbackToLocal serves local records when the provider listing
	// fails.
	FallbackToLocal bool
}

// Orchestrator wires the instance operations.
type Orchestrator struct {
	provider  provider.Client
	state     *state.Store
	lister    *state.Lister
	queue     *queue.Queue
	products  *products.Selector
	templates *templates.Resolver
	details   *cache.Cache
	logger    *zap.Logger
	opts      Options

	now func() time.Time
}

// New builds the orchestrator. The "instance-details" cache (30s TTL)
// absorbs repeated upstream detail fetches for hot instances.
func New(
	client provider.Client,
	st *state.Store,
	lister *state.Lister,
	q *queue.Queue,
	sel *products.Selector,
	tpl *templates.Resolver,
	reg *cache.Registry,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if opts.StartupMaxWait <= 0 {
		opts.StartupMaxWait = 10 * time.Minute
	}
	return &Orchestrator{
		provider:  client,
		state:     st,
		lister:    lister,
		queue:     q,
		products:  sel,
		templates: tpl,
		details:   reg.GetOrCreate(cache.NameInstanceDetails, cache.Options{MaxSize: 1000, DefaultTTL: 30 * time.Second}),
		logger:    logger.With(zap.String("component", "orchestrator")),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest is an accepted instance creation.
type CreateRequest struct {
	Name        string
	ProductName string
	TemplateID  string
	GPUNum      int
	RootfsSize  int
	Region      string
	WebhookURL  string
}

// CreateResult is the accepted-create response: the record, the queued job,
// and when the instance should plausibly be READY.
type CreateResult struct {
	Instance         *fleet.InstanceState `json:"instance"`
	JobID            string               `json:"jobId"`
	EstimatedReadyAt time.Time            `json:"estimatedReadyAt"`
}

// CreateInstance resolves the template and the cheapest product, persists a
// CREATING record, and queues the provisioning job. It returns before any
// upstream call is made on the caller's behalf.
func (o *Orchestrator) CreateInstance(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !fleet.NameRE.MatchString(req.Name) {
		return nil, fleet.Errorf(fleet.KindValidation, "invalid instance name %q", req.Name)
	}

	tplCfg, err := o.templates.GetTemplateConfiguration(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	preferred := req.Region
	if preferred == "" {
		preferred = o.opts.DefaultRegion
	}
	sel, err := o.products.GetOptimalProductWithFallback(ctx, req.ProductName, preferred, o.regions())
	if err != nil {
		return nil, err
	}

	st := &fleet.InstanceState{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Status:     fleet.InstanceStatusCreating,
		ProductID:  sel.Product.ID,
		Region:     sel.RegionUsed,
		GPUNum:     req.GPUNum,
		RootfsSize: req.RootfsSize,
		TemplateID: req.TemplateID,
		Ports:      tplCfg.Ports,
		Envs:       tplCfg.Envs,
		WebhookURL: req.WebhookURL,
	}
	if err := o.state.Create(ctx, st); err != nil {
		return nil, err
	}

	job, _, err := o.queue.Enqueue(ctx, fleet.JobTypeCreateInstance, fleet.CreateInstancePayload{
		InstanceID:     st.ID,
		Name:           st.Name,
		ProductID:      st.ProductID,
		TemplateConfig: *tplCfg,
		GPUNum:         st.GPUNum,
		RootfsSize:     st.RootfsSize,
		Region:         st.Region,
		WebhookURL:     st.WebhookURL,
	}, queue.WithIdempotencyKey("create:"+st.ID))
	if err != nil {
		// The record exists but nothing will drive it; surface that
		// rather than leaving a silent zombie.
		_ = o.state.Delete(ctx, st.ID)
		return nil, err
	}

	o.logger.Info("instance creation accepted",
		zap.String("instanceId", st.ID),
		zap.String("name", st.Name),
		zap.String("productId", st.ProductID),
		zap.String("region", st.Region),
		zap.String("jobId", job.ID))
	return &CreateResult{
		Instance:         st,
		JobID:            job.ID,
		EstimatedReadyAt: o.now().Add(createLeadTime),
	}, nil
}

// GetInstance returns the record for an id or name, merged with the
// provider's current view when the instance has an upstream shadow.
func (o *Orchestrator) GetInstance(ctx context.Context, idOrName string) (*fleet.MergedInstance, error) {
	st, err := o.state.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	row := &fleet.MergedInstance{InstanceState: *st}
	if st.UpstreamID == "" {
		return row, nil
	}

	if v, ok := o.details.Get(st.ID); ok {
		ui := v.(provider.Instance)
		row.UpstreamStatus = ui.Status
		return row, nil
	}
	ui, err := o.provider.GetInstance(ctx, st.UpstreamID)
	if err != nil {
		// Detail enrichment is best effort; the local record answers.
		o.logger.Debug("upstream detail fetch failed",
			zap.String("instanceId", st.ID), zap.Error(err))
		return row, nil
	}
	o.details.Set(st.ID, *ui, 0)
	row.UpstreamStatus = ui.Status
	if conn := connectionFrom(ui); conn != nil {
		row.Connection = conn
	}
	return row, nil
}

// ListInstances returns the comprehensive merged listing.
func (o *Orchestrator) ListInstances(ctx context.Context, includeUpstreamOnly bool) (*state.ListResult, error) {
	return o.lister.ListComprehensive(ctx, state.ListOptions{
		IncludeUpstreamOnly: includeUpstreamOnly,
		FallbackToLocal:     o.opts.FallbackToLocal,
		SyncLocalState:      true,
	})
}

// StartResult is the accepted-start response.
type StartResult struct {
	Instance         *fleet.InstanceState `json:"instance"`
	OperationID      string               `json:"operationId"`
	EstimatedReadyAt time.Time            `json:"estimatedReadyAt"`
}

// StartInstance restarts an EXITED instance and arms the startup monitor.
func (o *Orchestrator) StartInstance(ctx context.Context, idOrName string) (*StartResult, error) {
	st, err := o.state.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if st.Status != fleet.InstanceStatusExited {
		return nil, fleet.Errorf(fleet.KindInvalidTransition,
			"instance %s is %s; only EXITED instances can be started", st.ID, st.Status)
	}
	if st.UpstreamID == "" {
		return nil, fleet.Errorf(fleet.KindConflict, "instance %s has no upstream instance to start", st.ID)
	}

	if err := o.provider.StartInstance(ctx, st.UpstreamID); err != nil {
		return nil, err
	}

	opID := uuid.NewString()
	updated, err := o.state.Transition(ctx, st.ID, fleet.InstanceStatusStarting, func(rec *fleet.InstanceState) {
		rec.StartupOperationID = opID
		rec.HealthCheck = nil
		rec.ReadyAt = nil
	})
	if err != nil {
		return nil, err
	}

	if _, _, err := o.queue.Enqueue(ctx, fleet.JobTypeMonitorStartup, fleet.MonitorPayload{
		InstanceID: st.ID,
		UpstreamID: st.UpstreamID,
		WebhookURL: st.WebhookURL,
		StartTime:  o.now(),
		MaxWaitMs:  o.opts.StartupMaxWait.Milliseconds(),
	}, queue.WithIdempotencyKey("monitor-startup:"+st.ID+":"+opID)); err != nil {
		return nil, err
	}

	return &StartResult{
		Instance:         updated,
		OperationID:      opID,
		EstimatedReadyAt: o.now().Add(startLeadTime),
	}, nil
}

// StopInstance stops a READY instance. The record moves to STOPPING at
// once; it settles to EXITED when the provider confirms, either here or via
// listing reconciliation.
func (o *Orchestrator) StopInstance(ctx context.Context, idOrName string) (*fleet.InstanceState, error) {
	st, err := o.state.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if st.Status != fleet.InstanceStatusReady {
		return nil, fleet.Errorf(fleet.KindInvalidTransition,
			"instance %s is %s; only READY instances can be stopped", st.ID, st.Status)
	}

	updated, err := o.state.Transition(ctx, st.ID, fleet.InstanceStatusStopping, nil)
	if err != nil {
		return nil, err
	}
	if err := o.provider.StopInstance(ctx, st.UpstreamID); err != nil {
		return nil, err
	}

	// The provider usually confirms quickly; take the fast path when it
	// does and otherwise leave reconciliation to settle the record.
	if ui, derr := o.provider.GetInstance(ctx, st.UpstreamID); derr == nil &&
		(ui.Status == provider.UpstreamStatusExited || ui.Status == provider.UpstreamStatusRemoved) {
		return o.state.Transition(ctx, st.ID, fleet.InstanceStatusExited, nil)
	}
	return updated, nil
}

func (o *Orchestrator) regions() []fleet.RegionConfig {
	if len(o.opts.Regions) > 0 {
		return o.opts.Regions
	}
	return []fleet.RegionConfig{
		{ID: "1", Name: "region-01", Priority: 0},
		{ID: "2", Name: "region-02", Priority: 1},
		{ID: "3", Name: "region-03", Priority: 2},
	}
}

func connectionFrom(ui *provider.Instance) *fleet.ConnectionInfo {
	if ui.SSHCommand == "" && ui.JupyterURL == "" && ui.WebTerminalURL == "" {
		return nil
	}
	return &fleet.ConnectionInfo{
		SSH:         ui.SSHCommand,
		Jupyter:     ui.JupyterURL,
		WebTerminal: ui.WebTerminalURL,
	}
}
