package core

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
)

func TestParseRegistrationRequest(t *testing.T) {
	tests := []struct {
		name    string
		fields  Fields
		want    RegistrationRequest
		wantErr string
	}{
		{
			name:   "provider address is normalized",
			fields: Fields{"userType": "provider", "userID": "P1", "userAddress": "0x00000000000000000000000000000000000000AA", "userPassword": "pw"},
			want:   RegistrationRequest{UserType: "provider", UserID: "P1", UserAddress: "0x00000000000000000000000000000000000000aa", Password: "pw"},
		},
		{
			name:   "auditor without address",
			fields: Fields{"userType": "auditor", "userID": "A1", "userPassword": "pw"},
			want:   RegistrationRequest{UserType: "auditor", UserID: "A1", Password: "pw"},
		},
		{
			name:    "consumer needs an address",
			fields:  Fields{"userType": "consumer", "userID": "C1", "userPassword": "pw"},
			wantErr: "userAddress is required",
		},
		{
			name:    "unknown role",
			fields:  Fields{"userType": "broker", "userID": "B1", "userPassword": "pw"},
			wantErr: "The userType is not defined.",
		},
		{
			name:    "missing user id is reported first",
			fields:  Fields{"userType": "provider", "userPassword": "pw"},
			wantErr: "userID is required",
		},
		{
			name:    "bad address",
			fields:  Fields{"userType": "provider", "userID": "P1", "userAddress": "0x12", "userPassword": "pw"},
			wantErr: "userAddress is not a valid address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRegistrationRequest(tt.fields)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeValidation))
				assert.Equal(t, tt.wantErr, dxerrors.MessageOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSignedTxRequest(t *testing.T) {
	got, err := ParseSignedTxRequest(Fields{"rawTransaction": "0x0102"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got.Raw)

	got, err = ParseSignedTxRequest(Fields{"signedTX": `{"rawTransaction":"0x0a0b"}`})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, got.Raw)

	_, err = ParseSignedTxRequest(Fields{"signedTX": "{"})
	assert.Equal(t, "signedTX is not valid JSON", dxerrors.MessageOf(err))

	_, err = ParseSignedTxRequest(Fields{})
	assert.Equal(t, "rawTransaction is required", dxerrors.MessageOf(err))

	_, err = ParseSignedTxRequest(Fields{"rawTransaction": "zz"})
	assert.Equal(t, "rawTransaction is not valid hex", dxerrors.MessageOf(err))
}

func TestParseDataQueryRequest(t *testing.T) {
	got, err := ParseDataQueryRequest(Fields{
		"userType":         "consumer",
		"userID":           "C1",
		"dataEntryTitle":   "blood",
		"ageLowerBound":    "20",
		"ageUpperBound":    60,
		"maxPrice":         "340282366920938463463374607431768211456",
		"includeWithdrawn": "true",
		"limit":            float64(5),
	})
	require.NoError(t, err)
	maxPrice, err := uint256.FromDecimal("340282366920938463463374607431768211456")
	require.NoError(t, err)
	assert.Equal(t, DataQueryRequest{
		UserType:         "consumer",
		UserID:           "C1",
		TitleContains:    "blood",
		MinAge:           20,
		MaxAge:           60,
		MaxPrice:         maxPrice,
		IncludeWithdrawn: true,
		Limit:            5,
	}, got)

	for name, fields := range map[string]Fields{
		"auditor is not a query role": {"userType": "auditor", "userID": "A1"},
		"role without user":           {"userType": "consumer"},
		"negative bound":              {"ageLowerBound": -1},
		"age is not a number":         {"ageLowerBound": "twenty"},
		"bad price":                   {"maxPrice": "1.5"},
		"bad flag":                    {"includeWithdrawn": "maybe"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDataQueryRequest(fields)
			assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestParseSignedMessageAndNonce(t *testing.T) {
	msg, err := ParseSignedMessage(Fields{"message": "{}", "signature": "0x01"})
	require.NoError(t, err)
	assert.Equal(t, "{}", msg.Message)
	assert.Empty(t, msg.MessageHash)

	_, err = ParseSignedMessage(Fields{"message": "{}"})
	assert.Equal(t, "signature is required", dxerrors.MessageOf(err))

	addr, err := ParseNonceRequest(Fields{"userAddress": "0x00000000000000000000000000000000000000AB"})
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000ab", addr)

	_, err = ParseNonceRequest(Fields{"userAddress": "nope"})
	assert.Equal(t, "userAddress is not a valid address", dxerrors.MessageOf(err))
}

func TestParseAuditRequest(t *testing.T) {
	got, err := ParseAuditRequest(Fields{"userType": "auditor", "userID": "A1", "limit": "10"})
	require.NoError(t, err)
	assert.Equal(t, AuditRequest{UserType: "auditor", UserID: "A1", Limit: 10}, got)

	_, err = ParseUserRequest(Fields{"userType": "auditor", "userID": "A1"})
	assert.Equal(t, "The userType is not defined.", dxerrors.MessageOf(err))
}
