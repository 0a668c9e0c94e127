package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/99designs/keyring"

	"github.com/nhle/leadmail/internal/model"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	if err := s.Set("mailbox-15", "s3cret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("mailbox-15")
	if err != nil || got != "s3cret" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete("mailbox-15"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("mailbox-15"); !errors.Is(err, keyring.ErrKeyNotFound) {
		t.Errorf("Get after delete error = %v", err)
	}
}

func TestResolverPassword(t *testing.T) {
	store := NewStore(keyring.NewArrayKeyring([]keyring.Item{
		{Key: "mailbox-16", Data: []byte("from-keyring")},
		{Key: "empty", Data: nil},
	}))

	tests := []struct {
		name     string
		resolver *Resolver
		ref      string
		want     string
		wantErr  bool
	}{
		{"empty ref uses default", NewResolver(store, "pw"), "", "pw", false},
		{"default ref uses default", NewResolver(store, "pw"), DefaultRef, "pw", false},
		{"keyring ref", NewResolver(store, "pw"), "mailbox-16", "from-keyring", false},
		{"missing keyring item", NewResolver(store, "pw"), "mailbox-99", "", true},
		{"empty keyring item", NewResolver(store, "pw"), "empty", "", true},
		{"no default configured", NewResolver(store, ""), "", "", true},
		{"no keyring", NewResolver(nil, "pw"), "mailbox-16", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolver.Password(context.Background(), model.MailboxAccount{
				Address:       "15@example.com",
				CredentialRef: tt.ref,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Password = %q, want %q", got, tt.want)
			}
		})
	}
}
