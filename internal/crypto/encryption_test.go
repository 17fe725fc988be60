package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *EncryptionService {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	svc, err := NewEncryptionService(key)
	require.NoError(t, err)
	return svc
}

func TestNewEncryptionServiceRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not hex", "zz"},
		{"too short", "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncryptionService(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)

	sealed, err := svc.Encrypt("user-a", []byte("the answer"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "the answer")

	plain, err := svc.Decrypt("user-a", sealed)
	require.NoError(t, err)
	assert.Equal(t, "the answer", string(plain))
}

func TestDecryptWithOtherUserFails(t *testing.T) {
	svc := newTestService(t)

	sealed, err := svc.Encrypt("user-a", []byte("private"))
	require.NoError(t, err)

	_, err = svc.Decrypt("user-b", sealed)
	assert.Error(t, err)
}

func TestEncryptJSON(t *testing.T) {
	svc := newTestService(t)

	type payload struct {
		Answer  string   `json:"answer"`
		Sources []string `json:"sources"`
	}

	sealed, err := svc.EncryptJSON("user-a", payload{Answer: "42", Sources: []string{"f1"}})
	require.NoError(t, err)

	var out payload
	require.NoError(t, svc.DecryptJSON("user-a", sealed, &out))
	assert.Equal(t, "42", out.Answer)
	assert.Equal(t, []string{"f1"}, out.Sources)
}

func TestEmptyInput(t *testing.T) {
	svc := newTestService(t)

	sealed, err := svc.Encrypt("user-a", nil)
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := svc.Decrypt("user-a", "")
	require.NoError(t, err)
	assert.Nil(t, plain)
}
