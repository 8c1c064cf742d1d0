package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	p := Defaults()
	p.ApplyDefaults()
	require.NoError(t, Validate(&p))
	assert.Equal(t, 1000, p.ChunkSize)
	assert.Equal(t, CatchAllRiskyOnly, p.CatchAll.Policy)
	assert.Equal(t, 95, p.BaseScore(BucketValid))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		attempt int
		want    time.Duration
	}{
		{"first", "5,15,60", 1, 5 * time.Minute},
		{"second", "5, 15 ,60", 2, 15 * time.Minute},
		{"past table end", "5,15,60", 7, 60 * time.Minute},
		{"zero attempt", "5,15,60", 0, 5 * time.Minute},
		{"unparseable", "soon", 1, 10 * time.Minute},
		{"empty", "", 2, 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Defaults()
			p.Tempfail.BackoffMinutes = tt.table
			assert.Equal(t, tt.want, p.Backoff(tt.attempt))
		})
	}
}

func TestIsTempfailReason(t *testing.T) {
	p := Policy{Tempfail: Tempfail{Reasons: []string{" SMTP_Tempfail "}}}
	p.ApplyDefaults()
	assert.True(t, p.IsTempfailReason("smtp_tempfail"))
	assert.True(t, p.IsTempfailReason("SMTP_TEMPFAIL"))
	assert.False(t, p.IsTempfailReason("mailbox_full"))
	assert.False(t, p.IsTempfailReason(""))
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("yaml with defaults", func(t *testing.T) {
		doc := `
chunk_size: 2
tempfail:
  enabled: true
  reasons: [smtp_tempfail]
  max_attempts: 2
catch_all:
  policy: promote_if_score_gte
  threshold: 50
scoring:
  reason_overrides:
    role_account: 40
routing:
  - pattern: "{gmail,googlemail}.com"
    provider: google
`
		p, err := LoadFromBytes([]byte(doc), "policy.yaml")
		require.NoError(t, err)
		assert.Equal(t, 2, p.ChunkSize)
		assert.Equal(t, 500, p.CacheBatchSize)
		assert.True(t, p.Tempfail.Enabled)
		assert.Equal(t, []string{"smtp_tempfail"}, p.Tempfail.Reasons)
		assert.Equal(t, "5,15,60", p.Tempfail.BackoffMinutes)
		assert.Equal(t, CatchAllPromoteIfScoreGTE, p.CatchAll.Policy)
		assert.Equal(t, 50, p.CatchAll.Threshold)
		score, ok := p.ReasonOverride("ROLE_ACCOUNT")
		assert.True(t, ok)
		assert.Equal(t, 40, score)
		assert.Equal(t, 50, p.BaseScore(BucketRisky))
	})

	t.Run("json", func(t *testing.T) {
		p, err := LoadFromBytes([]byte(`{"chunk_size": 10, "max_attempts": 5}`), "policy.json")
		require.NoError(t, err)
		assert.Equal(t, 10, p.ChunkSize)
		assert.Equal(t, 5, p.MaxAttempts)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := LoadFromBytes([]byte("chunk_sise: 10\n"), "policy.yaml")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("out of range score", func(t *testing.T) {
		_, err := LoadFromBytes([]byte("scoring:\n  base:\n    valid: 140\n"), "policy.yaml")
		require.Error(t, err)
		var verrs ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, "/scoring/base/valid", verrs[0].Path)
	})

	t.Run("unknown catch-all policy", func(t *testing.T) {
		_, err := LoadFromBytes([]byte("catch_all:\n  policy: always_valid\n"), "policy.yaml")
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := LoadFromBytes([]byte("  \n"), "policy.yaml")
		assert.Error(t, err)
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("lease_seconds: 30\n"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, p.LeaseDuration())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy file not found")
}

func TestVersion(t *testing.T) {
	a := Defaults()
	a.ApplyDefaults()
	b := Defaults()
	b.Tempfail.Reasons = []string{"greylisted", "SMTP_TEMPFAIL", "greylisted"}
	b.ApplyDefaults()

	va, err := Version(a)
	require.NoError(t, err)
	vb, err := Version(b)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.Len(t, va, 64)

	b.ChunkSize = 10
	vc, err := Version(b)
	require.NoError(t, err)
	assert.NotEqual(t, va, vc)
}

func TestRouter(t *testing.T) {
	r, err := NewRouter([]RoutingRule{
		{Pattern: "{gmail,googlemail}.com", Provider: "google"},
		{Pattern: "*.outlook.com", Provider: "microsoft"},
		{Pattern: "outlook.com", Provider: "microsoft"},
	})
	require.NoError(t, err)

	assert.Equal(t, "google", r.Provider("Gmail.com"))
	assert.Equal(t, "microsoft", r.Provider("eu.outlook.com"))
	assert.Equal(t, "microsoft", r.Provider("outlook.com"))
	assert.Equal(t, "", r.Provider("example.org"))

	var nilRouter *Router
	assert.Equal(t, "", nilRouter.Provider("gmail.com"))

	_, err = NewRouter([]RoutingRule{{Pattern: "[gmail", Provider: "x"}})
	var pe *PatternError
	assert.ErrorAs(t, err, &pe)
}
