// Package gcp manages per-project GCP service accounts, their conditional
// GCS bucket bindings, and the Artifact Registry repository holding
// snapshot images.
package gcp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"

	"github.com/pomodex/pomodex/common"
)

// IAMManager is the surface the orchestrator uses. The sandbox service
// account of a project is created on project creation and deleted with it.
type IAMManager interface {
	CreateServiceAccount(ctx context.Context, projectID string) (string, error)
	CreateSAKey(ctx context.Context, saEmail string) (string, error)
	GrantBucketIAM(ctx context.Context, saEmail, prefix string) error
	DeleteServiceAccount(ctx context.Context, saEmail string) error
	LastBackupObject(ctx context.Context, prefix string) (*time.Time, error)
}

// Manager implements IAMManager against the GCP REST APIs.
type Manager struct {
	iamSvc     *iam.Service
	storageSvc *storage.Service
	gcpProject string
	bucket     string
	log        *logrus.Entry
}

// NewManager builds the IAM and storage clients from a credentials file.
// An empty credentialsFile falls back to application default credentials.
func NewManager(ctx context.Context, gcpProject, bucket, credentialsFile string, log *logrus.Entry) (*Manager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	iamSvc, err := iam.NewService(ctx, opts...)
	if err != nil {
		return nil, common.BackendErr("iam client init failed", err)
	}
	storageSvc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, common.BackendErr("storage client init failed", err)
	}

	return &Manager{
		iamSvc:     iamSvc,
		storageSvc: storageSvc,
		gcpProject: gcpProject,
		bucket:     bucket,
		log:        log,
	}, nil
}

// SAID derives the deterministic service account ID for a project.
//
// GCP SA ID constraints: 6-30 characters, lowercase letters, digits, and
// hyphens, starting with a letter and not ending with a hyphen. The
// convention "sa-" plus 26 hex digest chars gives 29 characters.
func SAID(projectID string) string {
	digest := sha256.Sum256([]byte(projectID))
	return "sa-" + hex.EncodeToString(digest[:])[:26]
}

// CreateServiceAccount creates the sandbox service account for a project
// and returns its email address.
func (m *Manager) CreateServiceAccount(ctx context.Context, projectID string) (string, error) {
	req := &iam.CreateServiceAccountRequest{
		AccountId: SAID(projectID),
		ServiceAccount: &iam.ServiceAccount{
			DisplayName: "Sandbox SA for " + projectID,
		},
	}
	sa, err := m.iamSvc.Projects.ServiceAccounts.
		Create("projects/"+m.gcpProject, req).
		Context(ctx).Do()
	if err != nil {
		return "", common.BackendErr("service account create failed", err)
	}
	return sa.Email, nil
}

// CreateSAKey mints a credentials-file key for the service account and
// returns the decoded JSON.
func (m *Manager) CreateSAKey(ctx context.Context, saEmail string) (string, error) {
	name := fmt.Sprintf("projects/%s/serviceAccounts/%s", m.gcpProject, saEmail)
	req := &iam.CreateServiceAccountKeyRequest{
		PrivateKeyType: "TYPE_GOOGLE_CREDENTIALS_FILE",
	}
	key, err := m.iamSvc.Projects.ServiceAccounts.Keys.
		Create(name, req).
		Context(ctx).Do()
	if err != nil {
		return "", common.BackendErr("service account key create failed", err)
	}

	raw, err := base64.StdEncoding.DecodeString(key.PrivateKeyData)
	if err != nil {
		return "", common.BackendErr("service account key decode failed", err)
	}
	return string(raw), nil
}

// GrantBucketIAM appends the two conditional bindings for a sandbox SA:
// objectAdmin scoped to the project prefix and objectViewer on shared/.
func (m *Manager) GrantBucketIAM(ctx context.Context, saEmail, prefix string) error {
	policy, err := m.storageSvc.Buckets.GetIamPolicy(m.bucket).
		OptionsRequestedPolicyVersion(3).
		Context(ctx).Do()
	if err != nil {
		return common.BackendErr("bucket policy read failed", err)
	}
	policy.Version = 3

	appendSandboxBindings(policy, saEmail, m.bucket, prefix)

	if _, err := m.storageSvc.Buckets.SetIamPolicy(m.bucket, policy).Context(ctx).Do(); err != nil {
		return common.BackendErr("bucket policy write failed", err)
	}
	return nil
}

// DeleteServiceAccount scrubs the SA's bucket bindings, including stale
// deleted:serviceAccount members, then deletes the SA. Idempotent.
func (m *Manager) DeleteServiceAccount(ctx context.Context, saEmail string) error {
	if err := m.removeBucketBindings(ctx, saEmail); err != nil {
		// Best-effort: a failed policy scrub must not block SA deletion.
		m.log.WithError(err).WithField("sa_email", saEmail).Warn("bucket policy scrub failed")
	}

	name := fmt.Sprintf("projects/%s/serviceAccounts/%s", m.gcpProject, saEmail)
	_, err := m.iamSvc.Projects.ServiceAccounts.Delete(name).Context(ctx).Do()
	if err != nil && !isGoogleNotFound(err) {
		return common.BackendErr("service account delete failed", err)
	}
	return nil
}

func (m *Manager) removeBucketBindings(ctx context.Context, saEmail string) error {
	policy, err := m.storageSvc.Buckets.GetIamPolicy(m.bucket).
		OptionsRequestedPolicyVersion(3).
		Context(ctx).Do()
	if err != nil {
		return err
	}
	policy.Version = 3

	if !scrubMemberBindings(policy, saEmail) {
		return nil
	}

	_, err = m.storageSvc.Buckets.SetIamPolicy(m.bucket, policy).Context(ctx).Do()
	return err
}

// LastBackupObject returns the update time of the newest object under the
// prefix, or nil when the prefix is empty.
func (m *Manager) LastBackupObject(ctx context.Context, prefix string) (*time.Time, error) {
	var newest *time.Time
	pageToken := ""
	for {
		call := m.storageSvc.Objects.List(m.bucket).Prefix(prefix).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, common.BackendErr("bucket object list failed", err)
		}
		for _, obj := range resp.Items {
			updated, err := time.Parse(time.RFC3339, obj.Updated)
			if err != nil {
				continue
			}
			if newest == nil || updated.After(*newest) {
				newest = &updated
			}
		}
		if resp.NextPageToken == "" {
			return newest, nil
		}
		pageToken = resp.NextPageToken
	}
}

func isGoogleNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
