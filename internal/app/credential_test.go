package app

import (
	"context"
	"strings"
	"testing"

	gateway "github.com/waddleai/waddlegate/internal"
)

type fakeCredentialStore struct {
	created map[string]*gateway.Credential
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{created: make(map[string]*gateway.Credential)}
}

func (f *fakeCredentialStore) CreateCredential(_ context.Context, c *gateway.Credential) error {
	f.created[c.ID] = c
	return nil
}
func (f *fakeCredentialStore) GetCredential(_ context.Context, id string) (*gateway.Credential, error) {
	c, ok := f.created[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return c, nil
}
func (f *fakeCredentialStore) GetCredentialsByPrefix(context.Context, string) ([]*gateway.Credential, error) {
	return nil, nil
}
func (f *fakeCredentialStore) ListCredentials(context.Context, string, int, int) ([]*gateway.Credential, error) {
	return nil, nil
}
func (f *fakeCredentialStore) ListBudgetedCredentialIDs(context.Context) ([]string, error) {
	return nil, nil
}
func (f *fakeCredentialStore) UpdateCredential(_ context.Context, c *gateway.Credential) error {
	f.created[c.ID] = c
	return nil
}
func (f *fakeCredentialStore) DeleteCredential(_ context.Context, id string) error {
	delete(f.created, id)
	return nil
}
func (f *fakeCredentialStore) TouchCredentialUsed(context.Context, string) error { return nil }

func TestCredentialIssuer_Issue(t *testing.T) {
	t.Parallel()
	store := newFakeCredentialStore()
	issuer := NewCredentialIssuer(store)

	plaintext, cred, err := issuer.Issue(context.Background(), IssueOpts{
		PrincipalID: "p1",
		TenantID:    "t1",
		Name:        "ci key",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.CredentialPrefix+"p1-") {
		t.Errorf("plaintext = %q, want prefix %q", plaintext, gateway.CredentialPrefix+"p1-")
	}
	if cred.SecretHash != gateway.HashSecret(plaintext) {
		t.Error("SecretHash should match HashSecret(plaintext)")
	}
	if !cred.Enabled {
		t.Error("newly issued credential should be enabled")
	}
	if store.created[cred.ID] == nil {
		t.Error("credential should have been persisted")
	}
}

func TestCredentialIssuer_Revoke(t *testing.T) {
	t.Parallel()
	store := newFakeCredentialStore()
	issuer := NewCredentialIssuer(store)

	_, cred, err := issuer.Issue(context.Background(), IssueOpts{PrincipalID: "p1", TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := issuer.Revoke(context.Background(), cred.ID); err != nil {
		t.Fatal(err)
	}
	if store.created[cred.ID].Enabled {
		t.Error("expected credential to be disabled after Revoke")
	}
}

func TestCredentialIssuer_Delete(t *testing.T) {
	t.Parallel()
	store := newFakeCredentialStore()
	issuer := NewCredentialIssuer(store)

	_, cred, err := issuer.Issue(context.Background(), IssueOpts{PrincipalID: "p1", TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := issuer.Delete(context.Background(), cred.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.created[cred.ID]; ok {
		t.Error("expected credential to be removed after Delete")
	}
}
