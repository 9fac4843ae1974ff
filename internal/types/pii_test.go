package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		pii  PIIType
		tier SensitivityTier
	}{
		{PIISSN, TierCritical},
		{PIIDateOfBirth, TierCritical},
		{PIIEmailAddress, TierHigh},
		{PIIPhoneNumber, TierHigh},
		{PIIPostalAddress, TierHigh},
		{PIIPersonalName, TierMedium},
		{PIIPotential, TierLow},
	}

	for _, tt := range tests {
		t.Run(string(tt.pii), func(t *testing.T) {
			assert.Equal(t, tt.tier, TierFor(tt.pii))
		})
	}
}

func TestTierOrdering(t *testing.T) {
	assert.Less(t, int(TierLow), int(TierMedium))
	assert.Less(t, int(TierMedium), int(TierHigh))
	assert.Less(t, int(TierHigh), int(TierCritical))
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("high")
	require.NoError(t, err)
	assert.Equal(t, TierHigh, tier)

	_, err = ParseTier("EXTREME")
	assert.Error(t, err)
}

func TestTierJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Tier SensitivityTier `json:"tier"`
	}{TierCritical})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"CRITICAL"}`, string(b))

	var out struct {
		Tier SensitivityTier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"MEDIUM"}`), &out))
	assert.Equal(t, TierMedium, out.Tier)
}

func TestParsePIIType(t *testing.T) {
	p, err := ParsePIIType("email_address")
	require.NoError(t, err)
	assert.Equal(t, PIIEmailAddress, p)

	_, err = ParsePIIType("SHOE_SIZE")
	assert.Error(t, err)
}

func TestParseDisposition(t *testing.T) {
	d, err := ParseDisposition("pseudonymize")
	require.NoError(t, err)
	assert.Equal(t, DispositionPseudonymize, d)

	d, err = ParseDisposition("")
	require.NoError(t, err)
	assert.Equal(t, Disposition(""), d)

	_, err = ParseDisposition("SHRED")
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	loc := Location{Store: "crm", Container: "customers", Column: "email"}

	assert.Equal(t, "crm.customers.email", loc.String())
	assert.Equal(t, "crm.customers", loc.ContainerKey())
	assert.Equal(t, loc, ParseLocation("crm.customers.email"))
	assert.Equal(t, Location{Store: "crm"}, ParseLocation("crm"))
}
