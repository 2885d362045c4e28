package firebase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"cloud.google.com/go/firestore"
	fb "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"rollcall/internal/platform/config"
	dErrors "rollcall/pkg/domain-errors"
)

// Clients holds the Firebase services the lifecycle adapters use. Either may
// be nil when the corresponding backend is not selected.
type Clients struct {
	Auth      *auth.Client
	Firestore *firestore.Client
}

// Close releases the Firestore connection.
func (c *Clients) Close() error {
	if c == nil || c.Firestore == nil {
		return nil
	}
	return c.Firestore.Close()
}

// New initialises a Firebase app from the configured service account and
// opens the requested clients.
func New(ctx context.Context, cfg config.FirebaseConfig, withAuth, withFirestore bool) (*Clients, error) {
	creds, projectID, err := DecodeServiceAccount(cfg.ServiceAccountJSON)
	if err != nil {
		return nil, err
	}
	if cfg.ProjectID != "" {
		projectID = cfg.ProjectID
	}

	app, err := fb.NewApp(ctx, &fb.Config{ProjectID: projectID}, option.WithCredentialsJSON(creds))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "initialise firebase app")
	}

	clients := &Clients{}
	if withAuth {
		if clients.Auth, err = app.Auth(ctx); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "open firebase auth client")
		}
	}
	if withFirestore {
		if clients.Firestore, err = app.Firestore(ctx); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "open firestore client")
		}
	}
	return clients, nil
}

// DecodeServiceAccount accepts the service account as raw JSON or base64 and
// returns the JSON together with its project_id.
func DecodeServiceAccount(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", dErrors.New(dErrors.CodeConfiguration, "FIREBASE_SERVICE_ACCOUNT_JSON is required").
			WithField("setting", "FIREBASE_SERVICE_ACCOUNT_JSON")
	}

	data := []byte(raw)
	if !strings.HasPrefix(raw, "{") {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, "", dErrors.Wrap(err, dErrors.CodeConfiguration, "service account is neither JSON nor base64").
				WithField("setting", "FIREBASE_SERVICE_ACCOUNT_JSON")
		}
		data = decoded
	}

	var account struct {
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeConfiguration, "service account is not valid JSON").
			WithField("setting", "FIREBASE_SERVICE_ACCOUNT_JSON")
	}
	if account.Type != "service_account" {
		return nil, "", dErrors.New(dErrors.CodeConfiguration, "credentials are not a service account").
			WithField("setting", "FIREBASE_SERVICE_ACCOUNT_JSON")
	}
	return data, account.ProjectID, nil
}
