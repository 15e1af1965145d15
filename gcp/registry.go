package gcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/option"

	"github.com/pomodex/pomodex/common"
)

// RegistryClient is the Artifact Registry surface the snapshot manager
// uses for image housekeeping.
type RegistryClient interface {
	DeletePackage(ctx context.Context, pkg string) error
	ListTags(ctx context.Context, pkg string) ([]string, error)
}

// Registry talks to an Artifact Registry Docker repository.
type Registry struct {
	svc      *artifactregistry.Service
	repoName string // projects/<p>/locations/<loc>/repositories/<repo>
	log      *logrus.Entry
}

// NewRegistry builds a client for a repository given its Docker host path,
// e.g. europe-west1-docker.pkg.dev/my-project/sandboxes.
func NewRegistry(ctx context.Context, registryPath, credentialsFile string, log *logrus.Entry) (*Registry, error) {
	repoName, err := RepoResourceName(registryPath)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := artifactregistry.NewService(ctx, opts...)
	if err != nil {
		return nil, common.BackendErr("artifact registry client init failed", err)
	}

	return &Registry{svc: svc, repoName: repoName, log: log}, nil
}

// RepoResourceName converts a Docker registry path into the Artifact
// Registry resource name.
func RepoResourceName(registryPath string) (string, error) {
	parts := strings.Split(strings.TrimSuffix(registryPath, "/"), "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[0], "-docker.pkg.dev") {
		return "", common.PreconditionErr(fmt.Sprintf("invalid registry path %q", registryPath))
	}
	location := strings.TrimSuffix(parts[0], "-docker.pkg.dev")
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s", parts[1], location, parts[2]), nil
}

// DeletePackage removes a package and all of its versions and tags.
// Idempotent: a missing package is a no-op.
func (r *Registry) DeletePackage(ctx context.Context, pkg string) error {
	name := r.repoName + "/packages/" + pkg
	_, err := r.svc.Projects.Locations.Repositories.Packages.Delete(name).Context(ctx).Do()
	if err != nil && !isGoogleNotFound(err) {
		return common.BackendErr("artifact registry package delete failed", err)
	}
	return nil
}

// ListTags returns the tag names of a package. A missing package yields
// an empty list.
func (r *Registry) ListTags(ctx context.Context, pkg string) ([]string, error) {
	parent := r.repoName + "/packages/" + pkg

	var tags []string
	pageToken := ""
	for {
		call := r.svc.Projects.Locations.Repositories.Packages.Tags.List(parent).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if isGoogleNotFound(err) {
				return nil, nil
			}
			return nil, common.BackendErr("artifact registry tag list failed", err)
		}
		for _, tag := range resp.Tags {
			// Tag resource names end in .../tags/<tag>.
			idx := strings.LastIndex(tag.Name, "/tags/")
			if idx < 0 {
				continue
			}
			tags = append(tags, tag.Name[idx+len("/tags/"):])
		}
		if resp.NextPageToken == "" {
			return tags, nil
		}
		pageToken = resp.NextPageToken
	}
}
