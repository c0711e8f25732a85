// Package cloudformation deploys CloudFormation stacks through the AWS
// management API. Stack creation requests rollback-on-failure, so AWS, not the
// engine, unwinds partial stacks; the supervisor polls Status until the stack
// leaves its *_IN_PROGRESS phase. Stack events are the log trail.
package cloudformation

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/extract"
	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
	"go.uber.org/zap"
)

// API is the subset of the CloudFormation client the adapter uses; tests
// substitute a stub.
type API interface {
	ValidateTemplate(ctx context.Context, in *cfn.ValidateTemplateInput, opts ...func(*cfn.Options)) (*cfn.ValidateTemplateOutput, error)
	CreateStack(ctx context.Context, in *cfn.CreateStackInput, opts ...func(*cfn.Options)) (*cfn.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cfn.UpdateStackInput, opts ...func(*cfn.Options)) (*cfn.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, in *cfn.DeleteStackInput, opts ...func(*cfn.Options)) (*cfn.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cfn.DescribeStacksInput, opts ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error)
	DescribeStackResources(ctx context.Context, in *cfn.DescribeStackResourcesInput, opts ...func(*cfn.Options)) (*cfn.DescribeStackResourcesOutput, error)
	DescribeStackEvents(ctx context.Context, in *cfn.DescribeStackEventsInput, opts ...func(*cfn.Options)) (*cfn.DescribeStackEventsOutput, error)
}

// ClientFactory builds a CloudFormation client from a freshly resolved
// credential. A new client per call keeps rotation immediate.
type ClientFactory func(ctx context.Context, cred *models.Credential) (API, error)

func defaultClientFactory(ctx context.Context, cred *models.Credential) (API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cred.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "build aws config failed")
	}
	return cfn.NewFromConfig(cfg), nil
}

// Adapter implements the deploy/status/update/destroy contract for
// CloudFormation templates on AWS. The execution handle is the stack name.
type Adapter struct {
	clients ClientFactory
}

func New() *Adapter {
	return &Adapter{clients: defaultClientFactory}
}

// NewWithClientFactory injects a client factory; test use.
func NewWithClientFactory(f ClientFactory) *Adapter {
	return &Adapter{clients: f}
}

var _ adapter.Interface = (*Adapter)(nil)

func (a *Adapter) Deploy(ctx context.Context, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	client, err := a.clients(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	stackName := stackNameFor(req)

	if _, err := client.ValidateTemplate(ctx, &cfn.ValidateTemplateInput{
		TemplateBody: aws.String(req.Template),
	}); err != nil {
		return &adapter.DeployResult{
			State:        adapter.StateFailed,
			Handle:       stackName,
			ErrorMessage: "cloudformation template validation failed",
			ErrorDetails: map[string]any{"error": err.Error()},
		}, nil
	}

	if req.DryRun {
		return &adapter.DeployResult{
			State:   adapter.StateCompleted,
			Handle:  stackName,
			Outputs: map[string]any{},
			Logs:    []string{fmt.Sprintf("validated template for stack %s", stackName)},
		}, nil
	}

	_, err = client.CreateStack(ctx, &cfn.CreateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(req.Template),
		Parameters:   stackParameters(req.Parameters),
		OnFailure:    cfntypes.OnFailureRollback,
		Capabilities: []cfntypes.Capability{
			cfntypes.CapabilityCapabilityIam,
			cfntypes.CapabilityCapabilityNamedIam,
		},
	})
	if err != nil {
		return &adapter.DeployResult{
			State:        adapter.StateFailed,
			Handle:       stackName,
			ErrorMessage: "cloudformation stack create failed",
			ErrorDetails: map[string]any{"error": err.Error()},
		}, nil
	}

	logger.L().Info("cloudformation stack create submitted", zap.String("stack", stackName))
	return &adapter.DeployResult{
		State:  adapter.StateRunning,
		Handle: stackName,
		Logs:   []string{fmt.Sprintf("submitted stack %s", stackName)},
	}, nil
}

func (a *Adapter) Status(ctx context.Context, handle string, cred *models.Credential) (*adapter.StatusResult, error) {
	client, err := a.clients(ctx, cred)
	if err != nil {
		return nil, err
	}

	out, err := client.DescribeStacks(ctx, &cfn.DescribeStacksInput{StackName: aws.String(handle)})
	if err != nil {
		// A vanished stack after DeleteStack reads as deleted.
		if strings.Contains(err.Error(), "does not exist") {
			return &adapter.StatusResult{State: adapter.StateDeleted}, nil
		}
		return nil, appErr.Wrap(err, appErr.CodeToolFailure, "describe stack failed")
	}
	if len(out.Stacks) == 0 {
		return &adapter.StatusResult{State: adapter.StateDeleted}, nil
	}
	stack := out.Stacks[0]
	state := MapStackStatus(stack.StackStatus)

	res := &adapter.StatusResult{State: state, Logs: a.stackEvents(ctx, client, handle)}
	switch state {
	case adapter.StateCompleted:
		resOut, err := client.DescribeStackResources(ctx, &cfn.DescribeStackResourcesInput{StackName: aws.String(handle)})
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeToolFailure, "describe stack resources failed")
		}
		outputs, resources := extract.FromCloudFormationStack(&stack, resOut.StackResources, cred.Region)
		res.Outputs = outputs
		res.Resources = resources
	case adapter.StateFailed:
		res.ErrorMessage = fmt.Sprintf("stack entered status %s", stack.StackStatus)
		details := map[string]any{"stack_status": string(stack.StackStatus)}
		if stack.StackStatusReason != nil {
			details["reason"] = *stack.StackStatusReason
		}
		res.ErrorDetails = details
	}
	return res, nil
}

func (a *Adapter) Update(ctx context.Context, handle string, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	client, err := a.clients(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	_, err = client.UpdateStack(ctx, &cfn.UpdateStackInput{
		StackName:    aws.String(handle),
		TemplateBody: aws.String(req.Template),
		Parameters:   stackParameters(req.Parameters),
		Capabilities: []cfntypes.Capability{
			cfntypes.CapabilityCapabilityIam,
			cfntypes.CapabilityCapabilityNamedIam,
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "No updates are to be performed") {
			return &adapter.DeployResult{
				State:   adapter.StateCompleted,
				Handle:  handle,
				Outputs: map[string]any{},
				Logs:    []string{"no changes detected"},
			}, nil
		}
		return &adapter.DeployResult{
			State:        adapter.StateFailed,
			Handle:       handle,
			ErrorMessage: "cloudformation stack update failed",
			ErrorDetails: map[string]any{"error": err.Error()},
		}, nil
	}
	return &adapter.DeployResult{
		State:  adapter.StateRunning,
		Handle: handle,
		Logs:   []string{fmt.Sprintf("submitted update for stack %s", handle)},
	}, nil
}

func (a *Adapter) Destroy(ctx context.Context, handle string, cred *models.Credential) (*adapter.DestroyResult, error) {
	client, err := a.clients(ctx, cred)
	if err != nil {
		return nil, err
	}
	if _, err := client.DeleteStack(ctx, &cfn.DeleteStackInput{StackName: aws.String(handle)}); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return &adapter.DestroyResult{State: adapter.StateDeleted}, nil
		}
		return &adapter.DestroyResult{
			State:        adapter.StateFailed,
			ErrorMessage: "cloudformation stack delete failed",
			ErrorDetails: map[string]any{"error": err.Error()},
		}, nil
	}
	return &adapter.DestroyResult{
		State: adapter.StateRunning,
		Logs:  []string{fmt.Sprintf("delete submitted for stack %s", handle)},
	}, nil
}

// stackEvents returns the most recent stack events, newest first, as the
// deployment's log trail. Failures to read events never fail the poll.
func (a *Adapter) stackEvents(ctx context.Context, client API, stackName string) []string {
	out, err := client.DescribeStackEvents(ctx, &cfn.DescribeStackEventsInput{StackName: aws.String(stackName)})
	if err != nil {
		return nil
	}
	var logs []string
	for i, ev := range out.StackEvents {
		if i >= 20 {
			break
		}
		line := fmt.Sprintf("%s %s %s",
			strings.TrimSpace(derefStr(ev.LogicalResourceId)),
			string(ev.ResourceStatus),
			strings.TrimSpace(derefStr(ev.ResourceStatusReason)))
		logs = append(logs, strings.TrimSpace(line))
	}
	return logs
}

// MapStackStatus maps a CloudFormation stack status to an adapter state. Any
// *_IN_PROGRESS status keeps polling.
func MapStackStatus(s cfntypes.StackStatus) adapter.State {
	status := string(s)
	switch {
	case strings.HasSuffix(status, "_IN_PROGRESS"):
		return adapter.StateRunning
	case status == string(cfntypes.StackStatusCreateComplete),
		status == string(cfntypes.StackStatusUpdateComplete):
		return adapter.StateCompleted
	case status == string(cfntypes.StackStatusDeleteComplete):
		return adapter.StateDeleted
	default:
		// CREATE_FAILED, ROLLBACK_COMPLETE, UPDATE_ROLLBACK_COMPLETE, ...
		return adapter.StateFailed
	}
}

func stackParameters(params map[string]any) []cfntypes.Parameter {
	var out []cfntypes.Parameter
	for k, v := range params {
		out = append(out, cfntypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(fmt.Sprintf("%v", v)),
		})
	}
	return out
}

func stackNameFor(req adapter.DeployRequest) string {
	base := req.Name
	if base == "" {
		base = "deployment"
	}
	base = strings.ToLower(strings.ReplaceAll(base, "_", "-"))
	return fmt.Sprintf("%s-%s", base, req.DeploymentID.String()[:8])
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
