// workspaceuser.go implements the BB workspace-user index supplemented
// from original_source/vibi-dpu's bitbucket/user.rs and db/user.rs (see
// SPEC_FULL.md §D.4): display-name -> UUID, populated lazily from
// ListPRs/GetPRInfo responses and consulted by auto-assign before a
// Bitbucket RequestReviewers call, which takes UUIDs rather than handles.
package orchestrator

import (
	"context"

	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/store"
)

// indexWorkspaceUser records a display name -> UUID pair. A blank UUID
// or display name is a no-op; GH responses never carry an AuthorUUID.
func (o *Orchestrator) indexWorkspaceUser(displayName, uuid string) error {
	if displayName == "" || uuid == "" {
		return nil
	}
	return store.PutJSON(o.store, models.WorkspaceUser{UUID: uuid, DisplayName: displayName}.Key(), models.WorkspaceUser{
		UUID:        uuid,
		DisplayName: displayName,
	})
}

// lookupWorkspaceUser resolves a display name to its Bitbucket UUID.
func (o *Orchestrator) lookupWorkspaceUser(displayName string) (string, bool, error) {
	var wu models.WorkspaceUser
	found, err := store.GetJSON(o.store, models.WorkspaceUser{DisplayName: displayName}.Key(), &wu)
	if err != nil || !found {
		return "", false, err
	}
	return wu.UUID, true, nil
}

// indexWorkspaceUsersFromPRs unions every PR author seen in a ListPRs
// page into the index. Only meaningful for Bitbucket, whose PRInfo
// carries AuthorUUID; GH PRInfo leaves it empty and indexWorkspaceUser
// is a no-op for each.
func (o *Orchestrator) indexWorkspaceUsersFromPRs(prs []provider.PRInfo) {
	for _, pr := range prs {
		if err := o.indexWorkspaceUser(pr.Author, pr.AuthorUUID); err != nil {
			o.logger.WithError(err).WithField("display_name", pr.Author).Warn("failed to index workspace user")
		}
	}
}

// refreshWorkspaceUserFromPR looks up the current PR's author via
// GetPRInfo and unions it into the index, keeping the display-name ->
// UUID mapping current as new webhook events arrive for Bitbucket repos.
func (o *Orchestrator) refreshWorkspaceUserFromPR(ctx context.Context, gw provider.Gateway, token string, review models.Review) {
	if review.Provider != models.ProviderBitbucket {
		return
	}
	info, err := gw.GetPRInfo(ctx, token, review.Owner, review.Repo, review.PRID)
	if err != nil {
		o.logger.WithError(err).WithField("db_key", review.Key()).Warn("failed to refresh workspace user from PR info")
		return
	}
	if err := o.indexWorkspaceUser(info.Author, info.AuthorUUID); err != nil {
		o.logger.WithError(err).WithField("display_name", info.Author).Warn("failed to index workspace user")
	}
}
