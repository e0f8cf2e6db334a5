// install.go implements the install flow supplemented from
// original_source/vibi-dpu/src/core/{bitbucket,github}/setup.rs (see
// SPEC_FULL.md §D.1): enumerate the repos named in the install payload,
// clone each, register the provider webhook if one isn't already
// present, collect and publish each repo's git aliases upstream, record
// the installation owner, and publish the discovered repo list upstream.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/store"
)

// installRepo is one repository named in an install_callback payload.
type installRepo struct {
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
	Private  bool   `json:"private"`
}

// installWorkspace groups the repos belonging to one owner/workspace.
type installWorkspace struct {
	Owner string        `json:"owner"`
	Repos []installRepo `json:"repos"`
}

// installPayload is eventPayload's shape for msgtype=install_callback.
type installPayload struct {
	InstallationID string             `json:"installation_id"`
	OwnerUUID      string             `json:"owner_uuid"`
	Workspaces     []installWorkspace `json:"workspaces"`
}

func (o *Orchestrator) handleInstall(ctx context.Context, env Envelope) error {
	var payload installPayload
	if err := json.Unmarshal(env.EventPayload, &payload); err != nil {
		return errs.NewParseError("decode install payload", err)
	}

	gw, ok := o.registry.Get(env.RepositoryProvider)
	if !ok {
		return fmt.Errorf("no provider gateway registered for %s", env.RepositoryProvider)
	}

	token, err := o.auth.AccessToken(ctx, env.RepositoryProvider, "")
	if err != nil {
		o.logger.WithError(err).Warn("install flow: auth unavailable, dropping event")
		return err
	}

	owner := models.Owner{
		UUID:     firstNonEmpty(payload.OwnerUUID, uuid.NewString()),
		Provider: env.RepositoryProvider,
	}
	if len(payload.Workspaces) > 0 {
		owner.Login = payload.Workspaces[0].Owner
	}
	if err := store.PutJSON(o.store, fmt.Sprintf("owners:%s", owner.UUID), owner); err != nil {
		return err
	}

	reposByOwner := make(map[string][]string)
	for _, ws := range payload.Workspaces {
		for _, r := range ws.Repos {
			repo := models.Repository{
				Provider: env.RepositoryProvider,
				Owner:    ws.Owner,
				Name:     r.Name,
				CloneURL: r.CloneURL,
				Private:  r.Private,
			}
			cloned, err := o.repos.EnsureClone(ctx, repo, token)
			if err != nil {
				o.logger.WithError(err).WithField("repo", repo.Key()).Warn("install flow: clone failed, skipping repo")
				continue
			}

			if err := o.ensureWebhook(ctx, gw, token, cloned); err != nil {
				o.logger.WithError(err).WithField("repo", repo.Key()).Warn("install flow: webhook registration failed")
			}

			if aliases, err := o.repos.CollectGitAliases(ctx, cloned.LocalDir); err != nil {
				o.logger.WithError(err).WithField("repo", repo.Key()).Warn("install flow: collecting git aliases failed")
			} else if len(aliases) > 0 {
				if err := o.publish.PublishAliases(ctx, env.RepositoryProvider, ws.Owner, r.Name, aliases); err != nil {
					o.logger.WithError(err).WithField("repo", repo.Key()).Warn("install flow: publishing git aliases failed")
				}
			}

			if prs, err := gw.ListPRs(ctx, token, ws.Owner, r.Name); err != nil {
				o.logger.WithError(err).WithField("repo", repo.Key()).Warn("install flow: listing PRs for workspace-user index failed")
			} else {
				o.indexWorkspaceUsersFromPRs(prs)
			}

			reposByOwner[ws.Owner] = append(reposByOwner[ws.Owner], r.Name)
		}
	}

	if len(reposByOwner) == 0 {
		return nil
	}
	return o.publish.PublishSetup(ctx, payload.InstallationID, reposByOwner, env.RepositoryProvider)
}

// ensureWebhook registers the provider's fixed webhook event set (spec.md
// §6) if no webhook is already present for this repo, recording the
// result at "webhook:{uuid}".
func (o *Orchestrator) ensureWebhook(ctx context.Context, gw provider.Gateway, token string, repo models.Repository) error {
	existing, err := gw.ListWebhooks(ctx, token, repo.Owner, repo.Name)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	callbackURL := fmt.Sprintf("%s/api/%s/callbacks/%s/%s", o.serverURL, repo.Provider, repo.Owner, repo.Name)
	spec, err := gw.AddWebhook(ctx, token, repo.Owner, repo.Name, callbackURL)
	if err != nil {
		return err
	}

	hook := models.Webhook{
		ID:       uuid.NewString(),
		Provider: repo.Provider,
		Owner:    repo.Owner,
		Repo:     repo.Name,
		Events:   spec.Events,
		URL:      spec.URL,
	}
	return store.PutJSON(o.store, fmt.Sprintf("webhook:%s", hook.ID), hook)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
