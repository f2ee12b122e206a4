package cxhealthd

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxhealth/cxhealth/pkg/types"
)

const accountsCSV = `account_id,signup_date,plan_tier,portfolio_size,annual_revenue,nps_score,support_tickets_last_90d,renewal_due_date,success_manager_assigned,is_active
a-1,2024-01-15,entry,12,6000,40,2,2024-07-10,true,true
a-2,2023-11-02,top,250,120000,-10,9,,false,false
a-3,2024-02-20,mid,80,24000,70,0,2025-02-20,true,true
`

const eventsCSV = `event_id,account_id,event_ts,event_type,event_value_num,event_value_txt
e-1,a-1,2024-06-01T10:00:00Z,login,32.5,
e-2,a-1,2024-06-02 09:30:00,rent_payment_received,1200,
e-3,a-3,2024-06-20T08:00:00Z,login,15,
e-4,a-3,2024-06-21T08:00:00Z,feature_adopted,,bulk_import
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "users_cx.csv"), []byte(accountsCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "events_cx_clean.csv"), []byte(eventsCSV), 0o644))

	cfg := `global:
  log_level: error
  log_format: json
  log_file: ` + filepath.Join(dir, "cxhealthd.log") + `
source:
  mode: local
  local:
    directory: ` + data + `
engine:
  as_of: "2024-06-30"
churn:
  mode: rule
cache:
  disk:
    enabled: true
    directory: ` + filepath.Join(dir, "cache") + `
metrics:
  enabled: false
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	for _, key := range []string{"REDIS_URL", "CXHEALTH_REDIS_URL", "USE_LOCAL_DATA", "USE_SIMPLE_CHURN", "DATA_PATH", "CXHEALTH_SOURCE_MODE", "CXHEALTH_CHURN_MODE", "CXHEALTH_AS_OF"} {
		t.Setenv(key, "")
	}
	return path
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags(flag.NewFlagSet("cxhealthd", flag.ContinueOnError), []string{"-config", "c.yaml", "-once", "-force"})
	require.NoError(t, err)
	assert.Equal(t, Flags{ConfigFile: "c.yaml", EnvFile: ".env", Once: true, Force: true}, f)

	fs := flag.NewFlagSet("cxhealthd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err = ParseFlags(fs, []string{"-force"})
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	path := writeFixture(t)
	flags := Flags{ConfigFile: path, EnvFile: filepath.Join(filepath.Dir(path), "missing.env"), Once: true}

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), flags, &out))

	var summary types.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 3, summary.TotalAccounts)
	assert.Equal(t, 2, summary.ActiveAccounts)
	assert.Equal(t, 150000.0, summary.TotalARR)

	files, err := filepath.Glob(filepath.Join(filepath.Dir(path), "cache", "v1", "summary", "*"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	// A second process hydrates the same summary from the disk tier.
	var again bytes.Buffer
	require.NoError(t, Run(context.Background(), flags, &again))
	var hydrated types.Summary
	require.NoError(t, json.Unmarshal(again.Bytes(), &hydrated))
	assert.WithinDuration(t, summary.GeneratedAt, hydrated.GeneratedAt, time.Second)
	hydrated.GeneratedAt = summary.GeneratedAt
	assert.Equal(t, summary, hydrated)
}

func TestRunInvalidConfig(t *testing.T) {
	path := writeFixture(t)
	require.NoError(t, os.WriteFile(path, []byte("churn:\n  mode: oracle\n"), 0o644))

	err := Run(context.Background(), Flags{ConfigFile: path}, io.Discard)
	assert.ErrorContains(t, err, "churn.mode")
}
