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
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSChecker identifies key pairs with sts:GetCallerIdentity, which any
// valid credential may call.
type STSChecker struct {
	client *sts.Client
}

var _ IdentityChecker = &STSChecker{}

const (
	DefaultSTSTimeout = 30 * time.Second
	stsAppID          = "keysweep"
)

type stsOptions struct {
	endpoint    string
	timeout     time.Duration
	maxAttempts int
}

type STSOption func(*stsOptions)

// WithEndpoint sends requests to endpoint instead of the regional STS endpoint.
func WithEndpoint(endpoint string) STSOption {
	return func(o *stsOptions) {
		o.endpoint = endpoint
	}
}

// WithTimeout bounds every STS request.
func WithTimeout(timeout time.Duration) STSOption {
	return func(o *stsOptions) {
		o.timeout = timeout
	}
}

// WithMaxAttempts bounds the attempts the SDK makes per call.
func WithMaxAttempts(n int) STSOption {
	return func(o *stsOptions) {
		o.maxAttempts = n
	}
}

// NewSTSChecker builds an STS client without any ambient credentials. Every
// call carries the key pair being checked. The SDK owns the HTTP client so a
// custom CA bundle from AWS_CA_BUNDLE can still be applied to it.
func NewSTSChecker(ctx context.Context, opts ...STSOption) (*STSChecker, error) {
	o := stsOptions{maxAttempts: 2, timeout: DefaultSTSTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(DefaultRegion),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
		config.WithSharedConfigFiles([]string{}),
		config.WithSharedCredentialsFiles([]string{}),
		config.WithRetryMaxAttempts(o.maxAttempts),
		config.WithAppID(stsAppID),
		config.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(o.timeout)),
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sts.NewFromConfig(cfg, func(so *sts.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
		}
	})

	return &STSChecker{client: client}, nil
}

func (c *STSChecker) WhoAmI(ctx context.Context, accessKey, secretKey, region string) (Identity, error) {
	out, err := c.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		if region != "" {
			o.Region = region
		}
	})
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Arn:     aws.ToString(out.Arn),
		Account: aws.ToString(out.Account),
		UserID:  aws.ToString(out.UserId),
	}, nil
}
