package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "gamenight/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: info
storage:
  driver: sqlite
  path: ./gamenight.db
reminder:
  threshold: 23h
  confirm_window: 10s
  first_fire_lead: 24h
catalog:
  subjects:
    - name: Twilight Imperium
      owners:
        - user_id: 42
          days: "0000011"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("gamenight.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "23h", cfg.Reminder.Threshold)
	require.Len(t, cfg.Catalog.Subjects, 1)
	assert.Equal(t, "0000011", cfg.Catalog.Subjects[0].Owners[0].Days)
	assert.Nil(t, cfg.Catalog.Subjects[0].Owners[0].Interested)
	assert.NoError(t, Validate(cfg))
}

func TestDecodeRejectsUnknownKeysAndTrailingData(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.yaml", []byte("telegram:\n  tokn: x\n"))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"telegram":{"token":"x"}} {}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Decode("c.yml", []byte("telegram:\n  token: x\n---\ntelegram:\n  token: y\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Storage:  StorageConfig{Driver: "postgres"},
		Reminder: ReminderConfig{Threshold: "soon", ReconcileSpec: "every tuesday"},
		Ops:      OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
		Catalog: CatalogConfig{Subjects: []SubjectSeed{
			{Name: "Go", Owners: []OwnerSeed{{UserID: 1, Days: "11x"}}},
			{Name: "go"},
		}},
	}
	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalid)
	msg := err.Error()
	for _, want := range []string{
		"telegram.token",
		"telegram.owner_user_ids",
		"reminder.threshold",
		"storage.dsn",
		"reminder.reconcile_spec",
		"ops.addr",
		"catalog.subjects[0].owners[0].days",
		`duplicate "go"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadAppliesEnvOverlay(t *testing.T) {
	t.Setenv("GAMENIGHT_TELEGRAM_TOKEN", "999:from-env")
	t.Setenv("GAMENIGHT_OWNER_USER_IDS", "7,8")
	t.Setenv("GAMENIGHT_STORAGE_DSN", "postgres://bot@db/gamenight")
	t.Setenv("GAMENIGHT_STORAGE_DRIVER", "postgres")

	m := NewConfigManager(writeConfig(t, "gamenight.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "999:from-env", cfg.Telegram.Token)
	assert.Equal(t, []int64{7, 8}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())

	m2 := NewConfigManager(m.Path())
	m2.SetEnvOverlay(false)
	cfg2, err := m2.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg2.Telegram.Token)
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "gamenight.json", `{"telegram":{"token":"t","owner_user_ids":[1]}}`)
	m := NewConfigManager(path)
	m.SetEnvOverlay(false)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "same content")

	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":"t","owner_user_ids":[1,2]}}`), 0o600))
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-sub
	assert.Equal(t, []int64{1, 2}, got.Telegram.OwnerUserIDs)

	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":"t","owner_user_ids":[]}}`), 0o600))
	_, err = m.Reload(ctx)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, []int64{1, 2}, m.Get().Telegram.OwnerUserIDs, "rejected reload keeps the previous config")

	m.SetValidator(func(context.Context, *Config) error { return errors.New("moderator list frozen") })
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":"t","owner_user_ids":[3]}}`), 0o600))
	_, err = m.Reload(ctx)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret", OwnerUserIDs: []int64{1}}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "new-secret", OwnerUserIDs: []int64{1, 2}},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://user:pw@db/x"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"storage", "telegram"}, changed)
	assert.Equal(t, []string{"storage"}, RestartRequired(changed))
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config reloaded", attrs...)
	out := buf.String()
	assert.Contains(t, out, "telegram.owner_count")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "pw@")
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"":               true,
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("reminder.confirm_window", "", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	_, err = ParseDurationOrDefault("reminder.confirm_window", "-1s", 0)
	assert.Error(t, err)
}
