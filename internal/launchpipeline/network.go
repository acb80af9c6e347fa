package launchpipeline

import (
	"context"
	"sort"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
)

// StartNetwork starts every member launch of a service network in
// launch_order ascending, respecting depends_on: a member does not start
// until every launch ID it depends on has reached LaunchRunning. Each
// started launch is recorded in the launch-member table for later unified
// stop.
func (p *Pipeline) StartNetwork(ctx context.Context, networkID string, memberLaunchIDs map[string]string, members []catalog.NetworkMember) error {
	ordered := append([]catalog.NetworkMember(nil), members...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LaunchOrder < ordered[j].LaunchOrder })

	started := map[string]bool{}
	for _, m := range ordered {
		launchID, ok := memberLaunchIDs[m.RepositoryID]
		if !ok {
			return apperrors.New(apperrors.KindValidation, "no launch registered for network member repository "+m.RepositoryID)
		}
		for _, dep := range m.DependsOn {
			depLaunchID, ok := memberLaunchIDs[dep]
			if !ok || !started[depLaunchID] {
				return apperrors.New(apperrors.KindDependencyFailed, "dependency not yet started: "+dep)
			}
		}

		if err := p.Store.LinkLaunchToNetwork(ctx, networkID, launchID); err != nil {
			return err
		}
		if err := p.Start(ctx, launchID); err != nil {
			return err
		}
		started[launchID] = true
	}
	return nil
}

// StopNetwork stops every launch linked to networkID.
func (p *Pipeline) StopNetwork(ctx context.Context, networkID string) error {
	launches, err := p.Store.ListLaunchesForNetwork(ctx, networkID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, l := range launches {
		if err := p.Stop(ctx, l.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
