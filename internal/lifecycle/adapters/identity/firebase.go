package identity

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/errorutils"

	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

// authClient is the subset of *auth.Client the adapter uses.
type authClient interface {
	CreateUser(ctx context.Context, user *auth.UserToCreate) (*auth.UserRecord, error)
	DeleteUser(ctx context.Context, uid string) error
	GetUserByEmail(ctx context.Context, email string) (*auth.UserRecord, error)
}

// Firebase implements ports.IdentityStore on Firebase Authentication.
type Firebase struct {
	client authClient
}

func NewFirebase(client *auth.Client) (*Firebase, error) {
	if client == nil {
		return nil, errors.New("firebase auth client is required")
	}
	return &Firebase{client: client}, nil
}

func (f *Firebase) CreateAccount(ctx context.Context, account ports.NewAccount) (string, error) {
	params := (&auth.UserToCreate{}).
		Email(account.Email).
		Password(account.Password)
	if account.DisplayName != "" {
		params = params.DisplayName(account.DisplayName)
	}
	user, err := f.client.CreateUser(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create firebase user: %w", classify(err))
	}
	return user.UID, nil
}

func (f *Firebase) DeleteAccount(ctx context.Context, accountID string) error {
	if err := f.client.DeleteUser(ctx, accountID); err != nil {
		return fmt.Errorf("delete firebase user %s: %w", accountID, classify(err))
	}
	return nil
}

func (f *Firebase) FindAccountByEmail(ctx context.Context, email string) (*models.StudentIdentity, error) {
	user, err := f.client.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup firebase user: %w", classify(err))
	}
	return &models.StudentIdentity{
		AccountID:   user.UID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}, nil
}

// classify maps Firebase Admin errors onto sentinel errors, keeping the
// provider error in the chain for logs.
func classify(err error) error {
	switch {
	case auth.IsEmailAlreadyExists(err), auth.IsUIDAlreadyExists(err), errorutils.IsAlreadyExists(err):
		return errors.Join(sentinel.ErrConflict, err)
	case auth.IsUserNotFound(err), errorutils.IsNotFound(err):
		return errors.Join(sentinel.ErrNotFound, err)
	case errorutils.IsInvalidArgument(err):
		return errors.Join(sentinel.ErrRejected, err)
	case errorutils.IsUnavailable(err), errorutils.IsDeadlineExceeded(err),
		errorutils.IsResourceExhausted(err), errorutils.IsInternal(err),
		errors.Is(err, context.DeadlineExceeded):
		return errors.Join(sentinel.ErrUnavailable, err)
	default:
		return err
	}
}
