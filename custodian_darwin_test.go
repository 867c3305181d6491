//go:build darwin

package keep

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/keep/internal/misc"
)

func TestAddGenericPasswordCommand(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("key material"))
	line := addGenericPasswordCommand(keychainService, keychainAccount, encoded)

	assert.True(t, strings.HasPrefix(line, "add-generic-password "))
	assert.Contains(t, line, fmt.Sprintf("-s %q", keychainService))
	assert.Contains(t, line, fmt.Sprintf("-a %q", keychainAccount))
	assert.Contains(t, line, "-U", "existing items must be replaced in place")

	// An empty -T argument keeps the trusted-application list empty, so
	// reading the item back always requires the user's approval.
	assert.Contains(t, line, `-T ""`)

	// The key rides inside the scripted line, which Wrap feeds to the tool
	// over stdin. It must never be an argv element of the security process.
	assert.Contains(t, line, fmt.Sprintf("-w %q", encoded))
	assert.NotContains(t, line, "\n", "a second line would be run as another command")
}

func TestParseKeychainHandle(t *testing.T) {
	good, err := json.Marshal(keychainHandle{
		Version: misc.WrapFormatVersion,
		Service: keychainService,
		Account: keychainAccount,
	})
	require.NoError(t, err)

	handle, err := parseKeychainHandle(good)
	require.NoError(t, err)
	assert.Equal(t, keychainService, handle.Service)
	assert.Equal(t, keychainAccount, handle.Account)

	cases := map[string][]byte{
		"Malformed":      []byte("not json"),
		"WrongVersion":   []byte(`{"version":99,"service":"s","account":"a"}`),
		"MissingService": []byte(fmt.Sprintf(`{"version":%d,"account":"a"}`, misc.WrapFormatVersion)),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseKeychainHandle(raw)
			require.Error(t, err)
			var custodianErr CustodianError
			require.ErrorAs(t, err, &custodianErr)
			assert.Equal(t, CustodianFailed, custodianErr.Reason)
		})
	}
}
