// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package validator

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/in-toto/keysweep/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	callerIdentityResponse = `<GetCallerIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetCallerIdentityResult>
    <Arn>arn:aws:iam::123456789012:user/leaky</Arn>
    <UserId>AIDA0000000000000EXAMPLE</UserId>
    <Account>123456789012</Account>
  </GetCallerIdentityResult>
  <ResponseMetadata>
    <RequestId>01234567-89ab-cdef-0123-456789abcdef</RequestId>
  </ResponseMetadata>
</GetCallerIdentityResponse>`

	invalidTokenResponse = `<ErrorResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <Error>
    <Type>Sender</Type>
    <Code>InvalidClientTokenId</Code>
    <Message>The security token included in the request is invalid.</Message>
  </Error>
  <RequestId>01234567-89ab-cdef-0123-456789abcdef</RequestId>
</ErrorResponse>`
)

func newFakeSTS(t *testing.T, validKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(fakeSTSHandler(t, validKey))
	t.Cleanup(srv.Close)
	return srv
}

func fakeSTSHandler(t *testing.T, validKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		assert.Equal(t, "GetCallerIdentity", form.Get("Action"))
		assert.Contains(t, r.Header.Get("User-Agent"), "app/"+stsAppID)

		auth := r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/xml")
		if strings.Contains(auth, "Credential="+validKey+"/") {
			_, _ = io.WriteString(w, callerIdentityResponse)
			return
		}

		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, invalidTokenResponse)
	})
}

func TestSTSCheckerWhoAmI(t *testing.T) {
	srv := newFakeSTS(t, "AKIA0000000000000001")

	checker, err := NewSTSChecker(context.Background(), WithEndpoint(srv.URL), WithMaxAttempts(1))
	require.NoError(t, err)

	id, err := checker.WhoAmI(context.Background(), "AKIA0000000000000001", strings.Repeat("A", 40), DefaultRegion)
	require.NoError(t, err)
	assert.Equal(t, Identity{
		Arn:     "arn:aws:iam::123456789012:user/leaky",
		Account: "123456789012",
		UserID:  "AIDA0000000000000EXAMPLE",
	}, id)

	_, err = checker.WhoAmI(context.Background(), "AKIA0000000000000002", strings.Repeat("A", 40), DefaultRegion)
	require.Error(t, err)
	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "InvalidClientTokenId", apiErr.ErrorCode())
}

func TestValidateWithSTS(t *testing.T) {
	srv := newFakeSTS(t, "AKIA0000000000000001")

	checker, err := NewSTSChecker(context.Background(), WithEndpoint(srv.URL), WithMaxAttempts(1))
	require.NoError(t, err)

	live, err := New(checker, WithRate(0)).Validate(context.Background(), []scanner.Candidate{
		candidate("bad", "AKIA0000000000000002", strings.Repeat("B", 40)),
		candidate("good", "AKIA0000000000000001", strings.Repeat("A", 40)),
	})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "good", live[0].Reference.Name)
	assert.Equal(t, "user/leaky", live[0].Label)
}

func TestSTSCheckerTrustsCABundle(t *testing.T) {
	srv := httptest.NewTLSServer(fakeSTSHandler(t, "AKIA0000000000000001"))
	t.Cleanup(srv.Close)

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(bundle, certPEM, 0o600))
	t.Setenv("AWS_CA_BUNDLE", bundle)

	checker, err := NewSTSChecker(context.Background(), WithEndpoint(srv.URL), WithTimeout(5*time.Second), WithMaxAttempts(1))
	require.NoError(t, err)

	id, err := checker.WhoAmI(context.Background(), "AKIA0000000000000001", strings.Repeat("A", 40), DefaultRegion)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", id.Account)
}
