package auth

import "testing"

func TestIdentity_Permissions(t *testing.T) {
	id := &Identity{
		UserID: 42,
		Guilds: map[int64]GuildPerm{
			1: {CanManage: true},
			2: {},
			3: {IsAdmin: true},
		},
	}

	tests := []struct {
		name       string
		guildID    int64
		wantRead   bool
		wantManage bool
	}{
		{"manager", 1, true, true},
		{"plain member", 2, true, false},
		{"admin implies manage", 3, true, true},
		{"not a member", 4, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := id.CanRead(tc.guildID); got != tc.wantRead {
				t.Fatalf("CanRead(%d) = %v, want %v", tc.guildID, got, tc.wantRead)
			}
			if got := id.CanManage(tc.guildID); got != tc.wantManage {
				t.Fatalf("CanManage(%d) = %v, want %v", tc.guildID, got, tc.wantManage)
			}
		})
	}
}

func TestIdentity_APIKeyTrustedEverywhere(t *testing.T) {
	id := &Identity{APIKey: true}
	if !id.CanRead(99) || !id.CanManage(99) {
		t.Fatal("API-key identity must be trusted for any guild")
	}
}

func TestDigest_DeterministicPerSecret(t *testing.T) {
	a := &Store{secret: []byte("secret-a")}
	b := &Store{secret: []byte("secret-b")}

	if a.digest("tok") != a.digest("tok") {
		t.Fatal("digest must be deterministic for one secret")
	}
	if a.digest("tok") == b.digest("tok") {
		t.Fatal("different secrets must produce different digests")
	}
	if a.digest("tok") == a.digest("tok2") {
		t.Fatal("different tokens must produce different digests")
	}
}

func TestEqualKey(t *testing.T) {
	if !EqualKey("k", "k") {
		t.Fatal("matching keys must compare equal")
	}
	if EqualKey("k", "other") {
		t.Fatal("mismatched keys must not compare equal")
	}
	if EqualKey("", "") {
		t.Fatal("an empty configured key must never match")
	}
}
