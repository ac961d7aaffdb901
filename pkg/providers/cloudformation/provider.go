// Package cloudformation implements the stack provider on AWS CloudFormation.
package cloudformation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Name is the provider name.
const Name = "cloudformation"

// TemplateHashTag records the template hash on every stack so a later run
// can tell whether the template changed without fetching it.
const TemplateHashTag = "stackrun:template_hash"

// API is the subset of the CloudFormation client used by Provider.
type API interface {
	DescribeStacks(ctx context.Context, params *cfn.DescribeStacksInput, optFns ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, params *cfn.CreateStackInput, optFns ...func(*cfn.Options)) (*cfn.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cfn.UpdateStackInput, optFns ...func(*cfn.Options)) (*cfn.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cfn.DeleteStackInput, optFns ...func(*cfn.Options)) (*cfn.DeleteStackOutput, error)
}

// Options configures a Provider.
type Options struct {
	// Capabilities acknowledged on create and update. Defaults to
	// CAPABILITY_IAM, CAPABILITY_NAMED_IAM and CAPABILITY_AUTO_EXPAND.
	Capabilities []types.Capability

	// RoleARN is the service role CloudFormation assumes, if any.
	RoleARN string

	// MaxTries bounds attempts of a throttled API call. Defaults to 5.
	MaxTries uint

	// RetryInterval is the first wait after throttling. Defaults to 1s.
	RetryInterval time.Duration

	Logger zerolog.Logger
}

// ClientOptions selects the AWS account and endpoint.
type ClientOptions struct {
	Region  string
	Profile string

	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string

	// AccessKeyID and SecretAccessKey replace the default credential chain
	// when both are set.
	AccessKeyID     string
	SecretAccessKey string
}

// Provider talks to CloudFormation. It keeps no state between calls.
type Provider struct {
	client API
	opts   Options
	logger zerolog.Logger
}

// New creates a provider using client.
func New(client API, opts Options) *Provider {
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = []types.Capability{
			types.CapabilityCapabilityIam,
			types.CapabilityCapabilityNamedIam,
			types.CapabilityCapabilityAutoExpand,
		}
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Second
	}
	return &Provider{
		client: client,
		opts:   opts,
		logger: opts.Logger.With().Str("provider", Name).Logger(),
	}
}

// NewClient builds a CloudFormation client from the default AWS
// configuration chain.
func NewClient(ctx context.Context, co ClientOptions) (*cfn.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if co.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(co.Region))
	}
	if co.Profile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(co.Profile))
	}
	if co.AccessKeyID != "" && co.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(co.AccessKeyID, co.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return cfn.NewFromConfig(cfg, func(o *cfn.Options) {
		if co.Endpoint != "" {
			o.BaseEndpoint = aws.String(co.Endpoint)
		}
	}), nil
}

// Name returns "cloudformation".
func (p *Provider) Name() string { return Name }

// GetState describes one stack.
func (p *Provider) GetState(ctx context.Context, stackName string) (*engine.StackState, error) {
	out, err := retry(ctx, p, func() (*cfn.DescribeStacksOutput, error) {
		return p.client.DescribeStacks(ctx, &cfn.DescribeStacksInput{StackName: aws.String(stackName)})
	})
	if err != nil {
		return nil, classify(stackName, "describe", err)
	}
	if len(out.Stacks) == 0 {
		return nil, engine.NewStackNotFoundError(stackName, nil)
	}
	return toState(out.Stacks[0]), nil
}

func toState(s types.Stack) *engine.StackState {
	state := &engine.StackState{
		Name:         aws.ToString(s.StackName),
		Status:       string(s.StackStatus),
		StatusReason: aws.ToString(s.StackStatusReason),
		Outputs:      make(map[string]string, len(s.Outputs)),
		Parameters:   make(map[string]string, len(s.Parameters)),
		Tags:         make(map[string]string, len(s.Tags)),
	}
	for _, o := range s.Outputs {
		state.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	for _, param := range s.Parameters {
		state.Parameters[aws.ToString(param.ParameterKey)] = aws.ToString(param.ParameterValue)
	}
	for _, tag := range s.Tags {
		key := aws.ToString(tag.Key)
		if key == TemplateHashTag {
			state.TemplateHash = aws.ToString(tag.Value)
			continue
		}
		state.Tags[key] = aws.ToString(tag.Value)
	}
	switch {
	case s.LastUpdatedTime != nil:
		state.UpdatedAt = *s.LastUpdatedTime
	case s.CreationTime != nil:
		state.UpdatedAt = *s.CreationTime
	}
	return state
}

// IsInProgress reports every *_IN_PROGRESS status, rollbacks included.
func (p *Provider) IsInProgress(s *engine.StackState) bool {
	return strings.HasSuffix(s.Status, "_IN_PROGRESS")
}

// IsComplete reports a finished create, update or import.
func (p *Provider) IsComplete(s *engine.StackState) bool {
	switch types.StackStatus(s.Status) {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete, types.StackStatusImportComplete:
		return true
	}
	return false
}

// IsDestroyed reports DELETE_COMPLETE.
func (p *Provider) IsDestroyed(s *engine.StackState) bool {
	return types.StackStatus(s.Status) == types.StackStatusDeleteComplete
}

// IsFailed reports failed operations and settled rollbacks.
func (p *Provider) IsFailed(s *engine.StackState) bool {
	switch types.StackStatus(s.Status) {
	case types.StackStatusCreateFailed,
		types.StackStatusRollbackFailed,
		types.StackStatusRollbackComplete,
		types.StackStatusDeleteFailed,
		types.StackStatusUpdateFailed,
		types.StackStatusUpdateRollbackFailed,
		types.StackStatusUpdateRollbackComplete,
		types.StackStatusImportRollbackFailed,
		types.StackStatusImportRollbackComplete:
		return true
	}
	return false
}

// Create calls CreateStack.
func (p *Provider) Create(ctx context.Context, stackName string, desc *engine.Description) error {
	in := &cfn.CreateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(string(desc.Template)),
		Parameters:   parameters(desc.Parameters),
		Tags:         tags(desc),
		Capabilities: p.opts.Capabilities,
	}
	if p.opts.RoleARN != "" {
		in.RoleARN = aws.String(p.opts.RoleARN)
	}

	_, err := retry(ctx, p, func() (*cfn.CreateStackOutput, error) {
		return p.client.CreateStack(ctx, in)
	})
	if err != nil {
		return classify(stackName, "create", err)
	}
	p.logger.Info().Str("stack", stackName).Msg("CreateStack submitted")
	return nil
}

// Update calls UpdateStack. "No updates are to be performed" is not an
// error.
func (p *Provider) Update(ctx context.Context, stackName string, desc *engine.Description) error {
	in := &cfn.UpdateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(string(desc.Template)),
		Parameters:   parameters(desc.Parameters),
		Tags:         tags(desc),
		Capabilities: p.opts.Capabilities,
	}
	if p.opts.RoleARN != "" {
		in.RoleARN = aws.String(p.opts.RoleARN)
	}

	_, err := retry(ctx, p, func() (*cfn.UpdateStackOutput, error) {
		return p.client.UpdateStack(ctx, in)
	})
	if err != nil {
		if isNoUpdates(err) {
			p.logger.Debug().Str("stack", stackName).Msg("No updates are to be performed")
			return nil
		}
		return classify(stackName, "update", err)
	}
	p.logger.Info().Str("stack", stackName).Msg("UpdateStack submitted")
	return nil
}

// Destroy calls DeleteStack, which succeeds for absent stacks.
func (p *Provider) Destroy(ctx context.Context, stackName string) error {
	in := &cfn.DeleteStackInput{StackName: aws.String(stackName)}
	if p.opts.RoleARN != "" {
		in.RoleARN = aws.String(p.opts.RoleARN)
	}

	_, err := retry(ctx, p, func() (*cfn.DeleteStackOutput, error) {
		return p.client.DeleteStack(ctx, in)
	})
	if err != nil {
		return classify(stackName, "destroy", err)
	}
	p.logger.Info().Str("stack", stackName).Msg("DeleteStack submitted")
	return nil
}

func parameters(params map[string]string) []types.Parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	return out
}

func tags(desc *engine.Description) []types.Tag {
	keys := make([]string, 0, len(desc.Tags))
	for k := range desc.Tags {
		if k != TemplateHashTag {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(desc.Tags[k])})
	}
	return append(out, types.Tag{Key: aws.String(TemplateHashTag), Value: aws.String(desc.TemplateHash())})
}

// retry repeats call while CloudFormation throttles it or fails on its side.
func retry[T any](ctx context.Context, p *Provider, call func() (T, error)) (T, error) {
	op := func() (T, error) {
		out, err := call()
		if err == nil {
			return out, nil
		}
		if isThrottled(err) || isServerFault(err) {
			p.logger.Debug().Err(err).Msg("CloudFormation request failed, retrying")
			return out, err
		}
		return out, backoff.Permanent(err)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.opts.RetryInterval,
		RandomizationFactor: 0.3,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(p.opts.MaxTries))
}

func apiError(err error) (smithy.APIError, bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func isThrottled(err error) bool {
	apiErr, ok := apiError(err)
	if !ok {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return true
	}
	return false
}

func isServerFault(err error) bool {
	apiErr, ok := apiError(err)
	if !ok {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InternalFailure", "ServiceUnavailable":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}

func isNoUpdates(err error) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}

// classify maps a CloudFormation error onto the engine error classes.
func classify(stackName, operation string, err error) error {
	if apiErr, ok := apiError(err); ok {
		switch {
		case apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist"):
			return engine.NewStackNotFoundError(stackName, err).WithOperation(operation)
		case apiErr.ErrorCode() == "AlreadyExistsException":
			return engine.NewConflictError(fmt.Sprintf("stack %s already exists", stackName), err).
				WithCode(engine.ErrCodeConflict).
				WithResource(stackName).
				WithOperation(operation)
		case isThrottled(err):
			return engine.NewThrottledError(fmt.Sprintf("cloudformation throttled %s of %s", operation, stackName), err).
				WithResource(stackName).
				WithOperation(operation)
		case isServerFault(err):
			return engine.NewTransientError(fmt.Sprintf("cloudformation %s of %s failed on the service side", operation, stackName), err).
				WithCode(engine.ErrCodeProviderFailed).
				WithResource(stackName).
				WithOperation(operation)
		}
	}
	return engine.NewPermanentError(fmt.Sprintf("cloudformation %s of %s failed", operation, stackName), err).
		WithCode(engine.ErrCodeProviderFailed).
		WithResource(stackName).
		WithOperation(operation)
}
