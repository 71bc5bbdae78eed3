package app

import (
	"context"
	"fmt"

	"tak-server/internal/notify"
	"tak-server/internal/store"
)

// The moderation use-cases: the policy decision itself lives in
// package moderation; this layer adds the side effects the spec
// attaches to each action (ban email, forced disconnects, audit rows)
// once the policy has allowed it.

// Ban marks the target banned, mails them a notice if an address is
// on file, and drops every one of their live listeners.
func (a *Application) Ban(ctx context.Context, actor, target store.AccountId, msg string) error {
	if err := a.Moderation.Ban(ctx, actor, target); err != nil {
		return err
	}
	rec, err := a.Store.Accounts.GetAccount(ctx, target)
	if err == nil && rec.Email != "" {
		body := fmt.Sprintf("Your account %s has been banned.\n\n%s\n", rec.Name, msg)
		if err := a.Mailer.Send(ctx, rec.Email, "Account banned", body); err != nil {
			a.Conf.Log.Printf("sending ban notice to %s: %v", target, err)
		}
	}
	if id, ok := a.Registry.ListenerOf(notify.AccountId(target)); ok {
		a.Disconnect(id, notify.ReasonBanned)
	}
	a.audit(ctx, "ban", actor, string(target), msg)
	return nil
}

func (a *Application) Unban(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.Unban(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "unban", actor, string(target), "")
	return nil
}

func (a *Application) Silence(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.Silence(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "silence", actor, string(target), "")
	return nil
}

func (a *Application) Unsilence(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.Unsilence(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "unsilence", actor, string(target), "")
	return nil
}

func (a *Application) Kick(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.Kick(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "kick", actor, string(target), "")
	return nil
}

func (a *Application) SetModerator(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.SetModerator(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "set_moderator", actor, string(target), "")
	return nil
}

func (a *Application) SetAdmin(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.SetAdmin(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "set_admin", actor, string(target), "")
	return nil
}

// SetUser demotes a moderator back to a plain user. The policy is the
// same strictly-higher-role rule that gates promotion.
func (a *Application) SetUser(ctx context.Context, actor, target store.AccountId) error {
	if err := a.Moderation.SetUser(ctx, actor, target); err != nil {
		return err
	}
	a.audit(ctx, "set_user", actor, string(target), "")
	return nil
}
