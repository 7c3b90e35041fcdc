// Package credentials issues per-user database identities. Each user gets a
// login role that row-level security confines to its own job rows, mirrored
// into a cluster Secret that worker pods read their DATABASE_URL from.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/models"
)

// Secret keys mirrored for each tenant.
const (
	KeyDatabaseURL = "DATABASE_URL"
	KeyUsername    = "DB_USERNAME"
	KeyPassword    = "DB_PASSWORD"
)

const pgDuplicateObject = "42710"

// RoleCreator creates or refreshes an isolated database role.
type RoleCreator interface {
	CreateIsolatedUser(ctx context.Context, username, password string) error
}

// Execer is the subset of *pgxpool.Pool PostgresRoles needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRoles calls the create_isolated_user routine installed by the store
// migrations, which owns the grant and policy text.
type PostgresRoles struct {
	db Execer
}

func NewPostgresRoles(db Execer) *PostgresRoles {
	return &PostgresRoles{db: db}
}

func (r *PostgresRoles) CreateIsolatedUser(ctx context.Context, username, password string) error {
	_, err := r.db.Exec(ctx, `SELECT jobqueue.create_isolated_user($1, $2)`, username, password)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
		return nil
	}
	return err
}

// Store gets or creates tenant credentials.
type Store struct {
	client      kubernetes.Interface
	namespace   string
	roles       RoleCreator
	databaseURL func(username, password string) string
	logger      logrus.FieldLogger
}

// New builds a Store. databaseURL renders the connection string a worker uses
// for a role.
func New(client kubernetes.Interface, namespace string, roles RoleCreator, databaseURL func(username, password string) string, logger logrus.FieldLogger) *Store {
	return &Store{
		client:      client,
		namespace:   namespace,
		roles:       roles,
		databaseURL: databaseURL,
		logger:      logger.WithField("component", "credentials"),
	}
}

// EnsureUser returns the credential for a chat user, creating it on first use.
func (s *Store) EnsureUser(ctx context.Context, userID string) (models.TenantCredential, error) {
	username := models.TenantUsername(userID)
	password, err := s.GetOrCreateUserCredentials(ctx, username)
	if err != nil {
		return models.TenantCredential{}, err
	}
	return models.TenantCredential{Username: username, Password: password, SchemaName: models.TenantSchema}, nil
}

// GetOrCreateUserCredentials returns the password for username. An existing
// Secret wins; credentials are never rotated once issued.
func (s *Store) GetOrCreateUserCredentials(ctx context.Context, username string) (string, error) {
	secrets := s.client.CoreV1().Secrets(s.namespace)
	name := models.SecretName(username)

	existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if pw := string(existing.Data[KeyPassword]); pw != "" {
			return pw, nil
		}
		return "", errs.Errorf(errs.KindUserCredentialsCreateFailed, "read credentials", name, "secret has no %s", KeyPassword)
	case !apierrors.IsNotFound(err):
		return "", errs.Wrap(errs.KindUserCredentialsCreateFailed, "read credentials", name, errs.Kubernetes("get secret", name, err))
	}

	password, err := generatePassword()
	if err != nil {
		return "", errs.Wrap(errs.KindUserCredentialsCreateFailed, "generate password", username, err)
	}
	if err := s.roles.CreateIsolatedUser(ctx, username, password); err != nil {
		return "", errs.Wrap(errs.KindUserCredentialsCreateFailed, "create database role", username, err)
	}

	_, err = secrets.Create(ctx, s.buildSecret(name, username, password), metav1.CreateOptions{})
	if err == nil {
		s.logger.WithField("username", username).Info("issued tenant credentials")
		return password, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return "", errs.Wrap(errs.KindSecretCreateFailed, "create secret", name, errs.Kubernetes("create secret", name, err))
	}

	// A concurrent caller created the Secret first. Adopt its password and point
	// the role back at it, since our routine call may have run last.
	winner, err := secrets.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", errs.Wrap(errs.KindSecretCreateFailed, "read concurrent secret", name, errs.Kubernetes("get secret", name, err))
	}
	adopted := string(winner.Data[KeyPassword])
	if adopted == "" {
		return "", errs.Errorf(errs.KindSecretCreateFailed, "read concurrent secret", name, "secret has no %s", KeyPassword)
	}
	if err := s.roles.CreateIsolatedUser(ctx, username, adopted); err != nil {
		return "", errs.Wrap(errs.KindUserCredentialsCreateFailed, "converge database role", username, err)
	}
	return adopted, nil
}

// DeleteUserSecret removes the mirrored Secret. A missing Secret is not an error.
func (s *Store) DeleteUserSecret(ctx context.Context, username string) error {
	name := models.SecretName(username)
	err := s.client.CoreV1().Secrets(s.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Kubernetes("delete secret", name, err)
	}
	if apierrors.IsNotFound(err) {
		s.logger.WithField("secret", name).Debug("secret already absent")
	}
	return nil
}

func (s *Store) buildSecret(name, username, password string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/component":  "worker-credentials",
				"app.kubernetes.io/managed-by": "thread-orchestrator",
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			KeyDatabaseURL: []byte(s.databaseURL(username, password)),
			KeyUsername:    []byte(username),
			KeyPassword:    []byte(password),
		},
	}
}

func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
