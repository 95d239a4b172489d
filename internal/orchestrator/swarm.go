package orchestrator

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"

	"github.com/afu9/control-center/internal/errcode"
)

// SwarmAdapter implements Adapter against a Docker Swarm manager.
type SwarmAdapter struct {
	cli *client.Client
}

// NewSwarmAdapter connects using the standard Docker environment
// variables.
func NewSwarmAdapter() (*SwarmAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &SwarmAdapter{cli: cli}, nil
}

func (a *SwarmAdapter) DescribeService(ctx context.Context, service string) (*ServiceState, error) {
	svc, _, err := a.cli.ServiceInspectWithRaw(ctx, service, types.ServiceInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, errcode.Newf(errcode.NotFound, "service %s", service)
		}
		return nil, fmt.Errorf("failed to inspect service %s: %w", service, err)
	}

	desired := 0
	if svc.Spec.Mode.Replicated != nil && svc.Spec.Mode.Replicated.Replicas != nil {
		desired = int(*svc.Spec.Mode.Replicated.Replicas)
	}

	taskFilters := filters.NewArgs()
	taskFilters.Add("service", svc.ID)
	taskFilters.Add("desired-state", string(swarm.TaskStateRunning))
	tasks, err := a.cli.TaskList(ctx, types.TaskListOptions{Filters: taskFilters})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for %s: %w", service, err)
	}
	running := 0
	for _, t := range tasks {
		if t.Status.State == swarm.TaskStateRunning {
			running++
		}
	}

	// Swarm exposes the rollout as UpdateStatus; a settled service maps
	// to a single ACTIVE deployment, an in-flight update adds a second.
	deployments := []string{"ACTIVE"}
	if svc.UpdateStatus != nil {
		switch svc.UpdateStatus.State {
		case swarm.UpdateStateUpdating, swarm.UpdateStateRollbackStarted:
			deployments = []string{"ACTIVE", "UPDATING"}
		case swarm.UpdateStateCompleted, swarm.UpdateStateRollbackCompleted:
			deployments = []string{"PRIMARY"}
		case swarm.UpdateStatePaused, swarm.UpdateStateRollbackPaused:
			deployments = []string{"PAUSED"}
		}
	}

	image := ""
	if svc.Spec.TaskTemplate.ContainerSpec != nil {
		image = svc.Spec.TaskTemplate.ContainerSpec.Image
	}
	return &ServiceState{
		Name:         svc.Spec.Name,
		Image:        image,
		DesiredCount: desired,
		RunningCount: running,
		Deployments:  deployments,
	}, nil
}

// ForceNewDeployment bumps the service's ForceUpdate counter, which makes
// Swarm restart all tasks with the same spec.
func (a *SwarmAdapter) ForceNewDeployment(ctx context.Context, service string) error {
	svc, _, err := a.cli.ServiceInspectWithRaw(ctx, service, types.ServiceInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return errcode.Newf(errcode.NotFound, "service %s", service)
		}
		return fmt.Errorf("failed to inspect service %s: %w", service, err)
	}

	spec := svc.Spec
	spec.TaskTemplate.ForceUpdate++
	if _, err := a.cli.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{}); err != nil {
		return fmt.Errorf("failed to force update service %s: %w", service, err)
	}
	return nil
}
