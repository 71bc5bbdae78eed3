// Package moderation implements the role policy matrix: who may ban,
// unban, silence, unsilence, kick, or promote/demote whom. Grounded
// on go-kgp's system.go System interface (Ready/Forget/Record/Over as
// narrow, single-purpose hooks) — the same narrow-interface shape is
// used here for each moderation action instead of one large God
// interface.
package moderation

import (
	"context"

	"tak-server/internal/apperr"
	"tak-server/internal/store"
)

// Action is one of the moderation operations the policy matrix gates.
type Action uint8

const (
	ActionBan Action = iota
	ActionUnban
	ActionSilence
	ActionUnsilence
	ActionKick
	ActionSetModerator
	ActionSetAdmin
	ActionSetUser
)

// Allowed implements the role policy matrix: a Moderator may silence
// and kick ordinary users; only an Admin may ban, unban, or change
// roles. Silence/unsilence/kick targets must be plain users regardless
// of the actor's role — an Admin gets no special standing to silence
// or kick a Moderator. No one may act on a peer or superior role.
func Allowed(actor store.Role, target store.Role, action Action) bool {
	switch action {
	case ActionSilence, ActionUnsilence, ActionKick:
		return actor >= store.RoleModerator && target == store.RoleUser
	case ActionBan, ActionUnban, ActionSetModerator, ActionSetAdmin, ActionSetUser:
		return actor == store.RoleAdmin && actor > target
	default:
		return false
	}
}

type KickFunc func(acct store.AccountId)

// Service applies moderation actions to the account store and, for
// Kick, notifies the caller-supplied disconnect hook (kept outside
// this package so it need not import notify.Registry directly).
type Service struct {
	accounts store.AccountStore
	kick     KickFunc
}

func NewService(accounts store.AccountStore, kick KickFunc) *Service {
	return &Service{accounts: accounts, kick: kick}
}

func (s *Service) apply(ctx context.Context, actor, target store.AccountId, action Action, mutate func(*store.AccountRecord)) error {
	actorRec, err := s.accounts.GetAccount(ctx, actor)
	if err != nil {
		return err
	}
	targetRec, err := s.accounts.GetAccount(ctx, target)
	if err != nil {
		return err
	}
	if !Allowed(actorRec.Role, targetRec.Role, action) {
		return apperr.New(apperr.Forbidden, "insufficient role for this action")
	}
	mutate(&targetRec)
	return s.accounts.SaveAccount(ctx, targetRec)
}

func (s *Service) Ban(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionBan, func(a *store.AccountRecord) { a.Banned = true })
}

func (s *Service) Unban(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionUnban, func(a *store.AccountRecord) { a.Banned = false })
}

func (s *Service) Silence(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionSilence, func(a *store.AccountRecord) { a.Silenced = true })
}

func (s *Service) Unsilence(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionUnsilence, func(a *store.AccountRecord) { a.Silenced = false })
}

func (s *Service) Kick(ctx context.Context, actor, target store.AccountId) error {
	actorRec, err := s.accounts.GetAccount(ctx, actor)
	if err != nil {
		return err
	}
	targetRec, err := s.accounts.GetAccount(ctx, target)
	if err != nil {
		return err
	}
	if !Allowed(actorRec.Role, targetRec.Role, ActionKick) {
		return apperr.New(apperr.Forbidden, "insufficient role for this action")
	}
	if s.kick != nil {
		s.kick(target)
	}
	return nil
}

func (s *Service) SetModerator(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionSetModerator, func(a *store.AccountRecord) { a.Role = store.RoleModerator })
}

func (s *Service) SetAdmin(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionSetAdmin, func(a *store.AccountRecord) { a.Role = store.RoleAdmin })
}

func (s *Service) SetUser(ctx context.Context, actor, target store.AccountId) error {
	return s.apply(ctx, actor, target, ActionSetUser, func(a *store.AccountRecord) { a.Role = store.RoleUser })
}
