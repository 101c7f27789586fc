package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
session:
  callsign: N0CAL
ldpc:
  auth_matrix_path: ldpc_matrices/ldpc_auth_768_256.alist
  voice_matrix_path: ldpc_matrices/ldpc_voice_576_384.alist
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.EqualValues(t, 5, cfg.Sync.Interval)
	assert.Equal(t, 20, cfg.LDPC.MaxIters)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 24, cfg.Bus.AudioInDepth)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "bogus_top_level: true\n"))
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestParseRejectsMissingCallsign(t *testing.T) {
	_, err := Parse([]byte(`
ldpc:
  auth_matrix_path: a.alist
  voice_matrix_path: v.alist
`))
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangeSyncInterval(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "sync:\n  interval: 9999\n"))
	assert.Error(t, err)
}

func TestParseRejectsRequireSignaturesWithoutSigning(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "crypto:\n  require_signatures: true\n"))
	assert.Error(t, err)
}

func TestCallsignBytesUppercasesAndPads(t *testing.T) {
	assert.Equal(t, [5]byte{'N', '0', 'C', 'A', 'L'}, CallsignBytes("n0cal"))
	assert.Equal(t, [5]byte{'K', 'C', '1', ' ', ' '}, CallsignBytes("kc1"))
	assert.Equal(t, [5]byte{'A', 'B', 'C', 'D', 'E'}, CallsignBytes("abcdefg"))
}
