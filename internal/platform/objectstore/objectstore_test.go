package objectstore

import "testing"

func TestFromEnvRequiresAllFields(t *testing.T) {
	t.Setenv("OBJECT_STORE_ACCOUNT_ID", "")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "")
	t.Setenv("OBJECT_STORE_SECRET_KEY", "")
	t.Setenv("OBJECT_STORE_BUCKET", "")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error when no object-store env vars are set")
	}
}

func TestFromEnvResolvesFullBundle(t *testing.T) {
	t.Setenv("OBJECT_STORE_ACCOUNT_ID", "acct")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "key")
	t.Setenv("OBJECT_STORE_SECRET_KEY", "secret")
	t.Setenv("OBJECT_STORE_BUCKET", "batches")

	creds, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.AccountID != "acct" || creds.AccessKey != "key" || creds.SecretKey != "secret" || creds.Bucket != "batches" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
}
