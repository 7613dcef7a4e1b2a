// Package objectstore resolves the credential bundle embedded into
// every spawned worker's environment. The orchestrator never performs
// bucket I/O itself (spec.md's Non-goals): this package only reads
// environment variables.
package objectstore

import (
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/neurobridge-backend/internal/phase"
)

// FromEnv resolves the object-store credential bundle passed through
// to spawned workers (spec.md section 6's ObjectStoreCreds). All four
// fields are required; a partially-configured bundle is a
// configuration error the process should fail fast on at startup.
func FromEnv() (phase.ObjectStoreCreds, error) {
	creds := phase.ObjectStoreCreds{
		AccountID: strings.TrimSpace(os.Getenv("OBJECT_STORE_ACCOUNT_ID")),
		AccessKey: strings.TrimSpace(os.Getenv("OBJECT_STORE_ACCESS_KEY_ID")),
		SecretKey: strings.TrimSpace(os.Getenv("OBJECT_STORE_SECRET_KEY")),
		Bucket:    strings.TrimSpace(os.Getenv("OBJECT_STORE_BUCKET")),
	}
	var missing []string
	if creds.AccountID == "" {
		missing = append(missing, "OBJECT_STORE_ACCOUNT_ID")
	}
	if creds.AccessKey == "" {
		missing = append(missing, "OBJECT_STORE_ACCESS_KEY_ID")
	}
	if creds.SecretKey == "" {
		missing = append(missing, "OBJECT_STORE_SECRET_KEY")
	}
	if creds.Bucket == "" {
		missing = append(missing, "OBJECT_STORE_BUCKET")
	}
	if len(missing) > 0 {
		return phase.ObjectStoreCreds{}, fmt.Errorf("objectstore: missing required env vars: %s", strings.Join(missing, ", "))
	}
	return creds, nil
}
