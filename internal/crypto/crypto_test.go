package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// TestCrypto_EncryptDecrypt_Roundtrip tests that encrypting then decrypting
// returns the original plaintext.
func TestCrypto_EncryptDecrypt_Roundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "plaintext")
		aad := rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "aad")

		sealed, err := Encrypt(key, plaintext, aad)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		opened, err := Decrypt(key, sealed, aad)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(plaintext, opened) {
			t.Fatalf("roundtrip failed: got %x, want %x", opened, plaintext)
		}
	})
}

// TestCrypto_DeriveKey_Deterministic tests that DeriveKey is a pure function.
func TestCrypto_DeriveKey_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		masterKey := rapid.SliceOfN(rapid.Byte(), 16, 64).Draw(t, "masterKey")
		userID := rapid.String().Draw(t, "userID")
		version := rapid.IntRange(1, 1000).Draw(t, "version")

		if !bytes.Equal(DeriveKey(masterKey, userID, version), DeriveKey(masterKey, userID, version)) {
			t.Fatal("key derivation not deterministic")
		}
	})
}

// TestCrypto_DeriveKey_DomainSeparation tests that different users get different keys.
func TestCrypto_DeriveKey_DomainSeparation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		masterKey := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "masterKey")
		userID1 := rapid.String().Draw(t, "userID1")
		userID2 := rapid.String().Filter(func(s string) bool {
			return s != userID1
		}).Draw(t, "userID2")

		if bytes.Equal(DeriveKey(masterKey, userID1, 1), DeriveKey(masterKey, userID2, 1)) {
			t.Fatalf("different users produced the same key: %q vs %q", userID1, userID2)
		}
	})
}

func TestSealer_RoundtripAndUserBinding(t *testing.T) {
	t.Parallel()
	s, err := NewSealer(testMasterKey)
	require.NoError(t, err)

	sealed, err := s.Seal("user-1", "sk-ant-user-key")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, "v1:"))
	require.NotContains(t, sealed, "sk-ant-user-key")

	opened, err := s.Open("user-1", sealed)
	require.NoError(t, err)
	require.Equal(t, "sk-ant-user-key", opened)

	_, err = s.Open("user-2", sealed)
	require.Error(t, err, "sealed value must not open for a different user")
}

func TestSealer_RejectsMalformed(t *testing.T) {
	t.Parallel()
	s, err := NewSealer(testMasterKey)
	require.NoError(t, err)

	for _, v := range []string{"", "plain-text", "v:abc", "vX:abc", "v1:!!!", "v1:"} {
		_, err := s.Open("user-1", v)
		require.Error(t, err, "value %q", v)
	}
}

func TestNewSealer_RejectsBadMasterKey(t *testing.T) {
	t.Parallel()
	_, err := NewSealer("zz")
	require.Error(t, err)
	_, err = NewSealer("abcd")
	require.Error(t, err)
}
