package registrar

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"peercall/internal/models"
)

func TestDirectories(t *testing.T) {
	mr := miniredis.RunT(t)
	redisDir := NewRedisRegistrar(mr.Addr())

	tests := []struct {
		name string
		dir  Directory
	}{
		{"memory", NewMemoryRegistrar()},
		{"redis", redisDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			alice := models.Participant{ID: "alice", DisplayName: "Alice", AvatarRef: "avatars/alice.png"}

			if _, err := tt.dir.Lookup(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Lookup before Register = %v, want ErrNotFound", err)
			}
			if err := tt.dir.Register(ctx, alice); err != nil {
				t.Fatalf("Register: %v", err)
			}
			got, err := tt.dir.Lookup(ctx, "alice")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if got != alice {
				t.Errorf("Lookup = %+v, want %+v", got, alice)
			}
			if err := tt.dir.Register(ctx, models.Participant{}); err == nil {
				t.Error("Register without id succeeded")
			}
		})
	}

	if ttl := mr.TTL("participants:alice"); ttl != RegistrationTTL {
		t.Errorf("redis registration ttl = %v, want %v", ttl, RegistrationTTL)
	}
}
