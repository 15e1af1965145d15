package gcp

import (
	"fmt"
	"strings"

	"google.golang.org/api/storage/v1"
)

const (
	roleObjectAdmin  = "roles/storage.objectAdmin"
	roleObjectViewer = "roles/storage.objectViewer"
	sharedPrefix     = "shared/"
)

// objectResource builds the IAM condition resource name for objects under
// a prefix: projects/_/buckets/<bucket>/objects/<prefix>.
func objectResource(bucket, prefix string) string {
	return fmt.Sprintf("projects/_/buckets/%s/objects/%s", bucket, prefix)
}

// appendSandboxBindings appends the project-scoped objectAdmin binding and
// the shared read-only binding for a sandbox SA to a version-3 policy.
func appendSandboxBindings(policy *storage.Policy, saEmail, bucket, prefix string) {
	member := "serviceAccount:" + saEmail
	titleSuffix := saEmail
	if len(titleSuffix) > 20 {
		titleSuffix = titleSuffix[:20]
	}

	policy.Bindings = append(policy.Bindings,
		&storage.PolicyBindings{
			Role:    roleObjectAdmin,
			Members: []string{member},
			Condition: &storage.Expr{
				Title:       "project-" + titleSuffix,
				Description: "Scoped to prefix " + prefix,
				Expression:  fmt.Sprintf("resource.name.startsWith(%q)", objectResource(bucket, prefix)),
			},
		},
		&storage.PolicyBindings{
			Role:    roleObjectViewer,
			Members: []string{member},
			Condition: &storage.Expr{
				Title:       "shared-" + titleSuffix,
				Description: "Read-only access to shared prefix",
				Expression:  fmt.Sprintf("resource.name.startsWith(%q)", objectResource(bucket, sharedPrefix)),
			},
		},
	)
}

// scrubMemberBindings drops every binding that references the SA, live or
// as a deleted:serviceAccount tombstone. Reports whether the policy
// changed.
func scrubMemberBindings(policy *storage.Policy, saEmail string) bool {
	member := "serviceAccount:" + saEmail
	tombstone := "deleted:serviceAccount:" + saEmail

	changed := false
	kept := policy.Bindings[:0]
	for _, b := range policy.Bindings {
		if bindingReferences(b, member, tombstone) {
			changed = true
			continue
		}
		kept = append(kept, b)
	}
	policy.Bindings = kept
	return changed
}

func bindingReferences(b *storage.PolicyBindings, member, tombstone string) bool {
	for _, m := range b.Members {
		if m == member || strings.HasPrefix(m, tombstone) {
			return true
		}
	}
	return false
}
