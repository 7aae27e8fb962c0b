package keystore

import (
	"testing"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIterationPolicyResolve(t *testing.T) {
	tests := []struct {
		name      string
		policy    IterationPolicy
		persisted int
		want      int
	}{
		{"default", IterationPolicy{}, 0, crypto.DefaultIterations},
		{"persisted wins", IterationPolicy{Session: 10, Env: "20"}, 5000, 5000},
		{"persisted wins in production", IterationPolicy{Production: true}, 1000, 1000},
		{"session", IterationPolicy{Session: 10, Env: "20"}, 0, 10},
		{"env", IterationPolicy{Env: "20"}, 0, 20},
		{"env garbage", IterationPolicy{Env: "lots"}, 0, crypto.DefaultIterations},
		{"env negative", IterationPolicy{Env: "-5"}, 0, crypto.DefaultIterations},
		{"env ignored in production", IterationPolicy{Env: "20", Production: true}, 0, crypto.DefaultIterations},
		{"session clamped in production", IterationPolicy{Session: 10, Production: true}, 0, crypto.DefaultIterations},
		{"session above default", IterationPolicy{Session: 900000, Production: true}, 0, 900000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.policy.Resolve(tt.persisted))
		})
	}
}

func TestIterationPolicyForChange(t *testing.T) {
	tests := []struct {
		name      string
		policy    IterationPolicy
		requested int
		current   int
		want      int
	}{
		{"keep current", IterationPolicy{}, 0, 5000, 5000},
		{"raise", IterationPolicy{}, 9000, 5000, 9000},
		{"never lower", IterationPolicy{}, 100, 5000, 5000},
		{"nothing known", IterationPolicy{Session: 10}, 0, 0, 10},
		{"production floor", IterationPolicy{Production: true}, 0, 1000, crypto.DefaultIterations},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.policy.ForChange(tt.requested, tt.current))
		})
	}
}

func TestIterationPolicyNeverLowers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := IterationPolicy{
			Session:    rapid.IntRange(0, 2_000_000).Draw(t, "session"),
			Production: rapid.Bool().Draw(t, "production"),
		}
		requested := rapid.IntRange(0, 2_000_000).Draw(t, "requested")
		current := rapid.IntRange(1, 2_000_000).Draw(t, "current")

		got := policy.ForChange(requested, current)
		if got < current || got < requested {
			t.Fatalf("ForChange(%d, %d) = %d", requested, current, got)
		}
		if policy.Production && got < crypto.DefaultIterations {
			t.Fatalf("production count %d below default", got)
		}
		if policy.Resolve(current) != current {
			t.Fatalf("persisted count %d not honoured", current)
		}
	})
}
