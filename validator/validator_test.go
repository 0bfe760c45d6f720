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
	"errors"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/in-toto/keysweep/scanner"
	"github.com/in-toto/keysweep/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu         sync.Mutex
	identities map[string]Identity
	calls      []string
	regions    []string
	onCall     func()
}

func (f *fakeChecker) WhoAmI(ctx context.Context, accessKey, secretKey, region string) (Identity, error) {
	f.mu.Lock()
	f.calls = append(f.calls, accessKey)
	f.regions = append(f.regions, region)
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall()
	}

	if id, ok := f.identities[accessKey+"/"+secretKey]; ok {
		return id, nil
	}

	return Identity{}, &smithy.GenericAPIError{Code: "InvalidClientTokenId", Message: "The security token included in the request is invalid."}
}

func candidate(name, ak, sk string) scanner.Candidate {
	return scanner.Candidate{
		Reference: source.PackageReference{Registry: source.KindPyPI, Name: name, Version: "1.0.0", DownloadURL: "https://files.example/" + name + ".tar.gz"},
		Path:      name + "/settings.py",
		Line:      3,
		AccessKey: ak,
		SecretKey: sk,
	}
}

func TestValidateKeepsLiveCredentialsInOrder(t *testing.T) {
	checker := &fakeChecker{identities: map[string]Identity{
		"AKIA0000000000000001/secret-one": {Arn: "arn:aws:iam::123456789012:user/deploy", Account: "123456789012"},
		"AKIA0000000000000003/secret-three": {Arn: "arn:aws:sts::210987654321:assumed-role/ci/session", Account: "210987654321"},
	}}
	v := New(checker, WithRate(0))

	live, err := v.Validate(context.Background(), []scanner.Candidate{
		candidate("a", "AKIA0000000000000001", "secret-one"),
		candidate("b", "AKIA0000000000000002", "secret-two"),
		candidate("c", "AKIA0000000000000003", "secret-three"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"AKIA0000000000000001", "AKIA0000000000000002", "AKIA0000000000000003"}, checker.calls)
	assert.Equal(t, []string{DefaultRegion, DefaultRegion, DefaultRegion}, checker.regions)

	require.Len(t, live, 2)
	assert.Equal(t, "a", live[0].Reference.Name)
	assert.Equal(t, "user/deploy", live[0].Label)
	assert.Equal(t, "123456789012", live[0].Account)
	assert.Equal(t, "c", live[1].Reference.Name)
	assert.Equal(t, "assumed-role/ci/session", live[1].Label)
}

func TestValidateAuthorizationFailureDropsCandidate(t *testing.T) {
	checker := &fakeChecker{}
	v := New(checker, WithRate(0), WithRegion("eu-west-1"))

	live, err := v.Validate(context.Background(), []scanner.Candidate{candidate("a", "AKIA0000000000000001", "nope")})
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Equal(t, []string{"eu-west-1"}, checker.regions)
}

func TestValidateCachesRepeatedPairs(t *testing.T) {
	checker := &fakeChecker{identities: map[string]Identity{
		"AKIA0000000000000001/s": {Arn: "arn:aws:iam::1:root"},
	}}
	v := New(checker, WithRate(0))

	live, err := v.Validate(context.Background(), []scanner.Candidate{
		candidate("a", "AKIA0000000000000001", "s"),
		candidate("b", "AKIA0000000000000001", "s"),
		candidate("c", "AKIA0000000000000009", "s"),
		candidate("d", "AKIA0000000000000009", "s"),
	})
	require.NoError(t, err)
	assert.Len(t, live, 2)
	assert.Equal(t, "root", live[1].Label)
	assert.Equal(t, []string{"AKIA0000000000000001", "AKIA0000000000000009"}, checker.calls)
}

func TestValidateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	checker := &fakeChecker{
		identities: map[string]Identity{"AKIA0000000000000001/s": {Arn: "arn:aws:iam::1:user/x"}},
		onCall:     cancel,
	}
	v := New(checker, WithRate(0))

	live, err := v.Validate(ctx, []scanner.Candidate{
		candidate("a", "AKIA0000000000000001", "s"),
		candidate("b", "AKIA0000000000000002", "s"),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, live, 1)
	assert.Len(t, checker.calls, 1)
}

func TestValidateEmpty(t *testing.T) {
	live, err := New(&fakeChecker{}).Validate(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestLabelAndMask(t *testing.T) {
	assert.Equal(t, "user/deploy", Label("arn:aws:iam::123456789012:user/deploy"))
	assert.Equal(t, "plain", Label("plain"))
	assert.Equal(t, "AKIA0000************", MaskKey("AKIA0000000000000001"))
	assert.Equal(t, "short", MaskKey("short"))
	assert.Equal(t, "InvalidClientTokenId: bad", describe(&smithy.GenericAPIError{Code: "InvalidClientTokenId", Message: "bad"}))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}
