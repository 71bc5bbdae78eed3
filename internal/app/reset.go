package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tak-server/internal/apperr"
	"tak-server/internal/auth"
	"tak-server/internal/store"
)

// RequestPasswordReset mails a reset token to the account's address.
// The token is a signed claim on the account id, good for the
// configured TTL; nothing is stored server-side, so an unredeemed
// token simply expires.
func (a *Application) RequestPasswordReset(ctx context.Context, name string) error {
	rec, err := a.Store.Accounts.GetAccountByName(ctx, name)
	if err != nil {
		return err
	}
	email := rec.Email
	if email == "" {
		if contact, err := a.Store.Accounts.GetContact(ctx, rec.Id); err == nil {
			email = contact.Email
		}
	}
	if email == "" {
		return apperr.New(apperr.NotPossible, "account has no email on file")
	}
	token, err := a.Tokens.Issue(string(rec.Id), auth.PurposeReset, a.Conf.Auth.ResetTokenTTL)
	if err != nil {
		return err
	}
	body := fmt.Sprintf(
		"A password reset was requested for %s.\n\n"+
			"Reset token (valid for %s):\n\n    %s\n\n"+
			"If you did not request this, ignore this message.\n",
		rec.Name, a.Conf.Auth.ResetTokenTTL, token)
	if err := a.Mailer.Send(ctx, email, "Password reset", body); err != nil {
		return apperr.Wrap(apperr.Internal, err, "sending reset email")
	}
	a.audit(ctx, "password_reset_requested", rec.Id, rec.Name, "")
	return nil
}

// ResetPassword redeems a reset token and installs the new password.
func (a *Application) ResetPassword(ctx context.Context, token, newPassword string) error {
	subject, err := a.Tokens.Verify(token, auth.PurposeReset)
	if err != nil {
		return err
	}
	rec, err := a.Store.Accounts.GetAccount(ctx, store.AccountId(subject))
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "hashing password")
	}
	rec.PasswordHash = string(hash)
	if err := a.Store.Accounts.SaveAccount(ctx, rec); err != nil {
		return err
	}
	a.audit(ctx, "password_reset", rec.Id, rec.Name, "")
	return nil
}

// AuthenticateToken verifies a session token previously issued by
// SessionToken, returning the live account.
func (a *Application) AuthenticateToken(ctx context.Context, token string) (store.AccountRecord, error) {
	subject, err := a.Tokens.Verify(token, auth.PurposeSession)
	if err != nil {
		return store.AccountRecord{}, err
	}
	rec, err := a.Store.Accounts.GetAccount(ctx, store.AccountId(subject))
	if err != nil {
		return store.AccountRecord{}, apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	if rec.Banned {
		return store.AccountRecord{}, apperr.New(apperr.Forbidden, "account is banned")
	}
	return rec, nil
}

// SessionToken issues a signed session token for an authenticated
// account, so clients can reconnect without re-sending the password.
func (a *Application) SessionToken(account store.AccountId) (string, error) {
	return a.Tokens.Issue(string(account), auth.PurposeSession, 30*24*time.Hour)
}
