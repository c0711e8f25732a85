package cloudformation

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/models"
	"github.com/cloudweave/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// stubAPI scripts the CloudFormation calls a test expects.
type stubAPI struct {
	validateErr  error
	createErr    error
	updateErr    error
	deleteErr    error
	describeErr  error
	stacks       []cfntypes.Stack
	resources    []cfntypes.StackResource
	events       []cfntypes.StackEvent
	createdInput *cfn.CreateStackInput
}

func (s *stubAPI) ValidateTemplate(ctx context.Context, in *cfn.ValidateTemplateInput, opts ...func(*cfn.Options)) (*cfn.ValidateTemplateOutput, error) {
	if s.validateErr != nil {
		return nil, s.validateErr
	}
	return &cfn.ValidateTemplateOutput{}, nil
}

func (s *stubAPI) CreateStack(ctx context.Context, in *cfn.CreateStackInput, opts ...func(*cfn.Options)) (*cfn.CreateStackOutput, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.createdInput = in
	return &cfn.CreateStackOutput{StackId: aws.String("arn:aws:cloudformation:us-east-1:1:stack/x")}, nil
}

func (s *stubAPI) UpdateStack(ctx context.Context, in *cfn.UpdateStackInput, opts ...func(*cfn.Options)) (*cfn.UpdateStackOutput, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &cfn.UpdateStackOutput{}, nil
}

func (s *stubAPI) DeleteStack(ctx context.Context, in *cfn.DeleteStackInput, opts ...func(*cfn.Options)) (*cfn.DeleteStackOutput, error) {
	if s.deleteErr != nil {
		return nil, s.deleteErr
	}
	return &cfn.DeleteStackOutput{}, nil
}

func (s *stubAPI) DescribeStacks(ctx context.Context, in *cfn.DescribeStacksInput, opts ...func(*cfn.Options)) (*cfn.DescribeStacksOutput, error) {
	if s.describeErr != nil {
		return nil, s.describeErr
	}
	return &cfn.DescribeStacksOutput{Stacks: s.stacks}, nil
}

func (s *stubAPI) DescribeStackResources(ctx context.Context, in *cfn.DescribeStackResourcesInput, opts ...func(*cfn.Options)) (*cfn.DescribeStackResourcesOutput, error) {
	return &cfn.DescribeStackResourcesOutput{StackResources: s.resources}, nil
}

func (s *stubAPI) DescribeStackEvents(ctx context.Context, in *cfn.DescribeStackEventsInput, opts ...func(*cfn.Options)) (*cfn.DescribeStackEventsOutput, error) {
	return &cfn.DescribeStackEventsOutput{StackEvents: s.events}, nil
}

func adapterWith(stub *stubAPI) *Adapter {
	return NewWithClientFactory(func(ctx context.Context, cred *models.Credential) (API, error) {
		return stub, nil
	})
}

func awsCred() *models.Credential {
	return &models.Credential{
		Provider:        models.ProviderAWS,
		AccessKeyID:     "ak",
		SecretAccessKey: "sk",
		Region:          "us-east-1",
	}
}

func cfnRequest(dryRun bool) adapter.DeployRequest {
	return adapter.DeployRequest{
		DeploymentID: uuid.New(),
		Name:         "Web_App",
		Template:     `{"AWSTemplateFormatVersion": "2010-09-09", "Resources": {}}`,
		Parameters:   map[string]any{"InstanceType": "t3.micro"},
		Credential:   awsCred(),
		DryRun:       dryRun,
	}
}

func TestDeployDryRunStopsAfterValidate(t *testing.T) {
	stub := &stubAPI{}
	res, err := adapterWith(stub).Deploy(context.Background(), cfnRequest(true))
	require.NoError(t, err)
	require.Equal(t, adapter.StateCompleted, res.State)
	require.Nil(t, stub.createdInput)
	require.NotNil(t, res.Outputs)
	require.Empty(t, res.Outputs)
}

func TestDeploySubmitsStackWithRollback(t *testing.T) {
	stub := &stubAPI{}
	res, err := adapterWith(stub).Deploy(context.Background(), cfnRequest(false))
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, res.State)

	require.NotNil(t, stub.createdInput)
	require.Equal(t, cfntypes.OnFailureRollback, stub.createdInput.OnFailure)
	require.Contains(t, stub.createdInput.Capabilities, cfntypes.CapabilityCapabilityIam)
	// Stack names are lowercased with underscores normalized.
	require.Contains(t, res.Handle, "web-app-")
	require.Equal(t, res.Handle, *stub.createdInput.StackName)
}

func TestDeployValidationFailure(t *testing.T) {
	stub := &stubAPI{validateErr: errors.New("Template format error: unsupported structure")}
	res, err := adapterWith(stub).Deploy(context.Background(), cfnRequest(false))
	require.NoError(t, err)
	require.Equal(t, adapter.StateFailed, res.State)
	require.NotEmpty(t, res.ErrorMessage)
}

func TestStatusMapsStackStatus(t *testing.T) {
	stub := &stubAPI{
		stacks: []cfntypes.Stack{{
			StackName:   aws.String("web-app-1"),
			StackStatus: cfntypes.StackStatusCreateInProgress,
		}},
	}
	a := adapterWith(stub)

	st, err := a.Status(context.Background(), "web-app-1", awsCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, st.State)

	stub.stacks[0].StackStatus = cfntypes.StackStatusCreateComplete
	stub.stacks[0].Outputs = []cfntypes.Output{
		{OutputKey: aws.String("Endpoint"), OutputValue: aws.String("https://x")},
	}
	stub.resources = []cfntypes.StackResource{{
		LogicalResourceId:  aws.String("Bucket"),
		PhysicalResourceId: aws.String("bucket-1"),
		ResourceType:       aws.String("AWS::S3::Bucket"),
		ResourceStatus:     cfntypes.ResourceStatusCreateComplete,
	}}
	st, err = a.Status(context.Background(), "web-app-1", awsCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateCompleted, st.State)
	require.Equal(t, "https://x", st.Outputs["Endpoint"])
	require.Len(t, st.Resources, 1)

	stub.stacks[0].StackStatus = cfntypes.StackStatusRollbackComplete
	stub.stacks[0].StackStatusReason = aws.String("resource limit exceeded")
	st, err = a.Status(context.Background(), "web-app-1", awsCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateFailed, st.State)
	require.Equal(t, "ROLLBACK_COMPLETE", st.ErrorDetails["stack_status"])
}

func TestStatusGoneStackIsDeleted(t *testing.T) {
	stub := &stubAPI{describeErr: errors.New("Stack with id web-app-1 does not exist")}
	st, err := adapterWith(stub).Status(context.Background(), "web-app-1", awsCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateDeleted, st.State)
}

func TestUpdateNoChanges(t *testing.T) {
	stub := &stubAPI{updateErr: errors.New("ValidationError: No updates are to be performed.")}
	res, err := adapterWith(stub).Update(context.Background(), "web-app-1", cfnRequest(false))
	require.NoError(t, err)
	require.Equal(t, adapter.StateCompleted, res.State)
}

func TestDestroySubmitsDelete(t *testing.T) {
	stub := &stubAPI{}
	res, err := adapterWith(stub).Destroy(context.Background(), "web-app-1", awsCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateRunning, res.State)

	stub.deleteErr = errors.New("Stack with id web-app-1 does not exist")
	res, err = adapterWith(stub).Destroy(context.Background(), "web-app-1", awsCred())
	require.NoError(t, err)
	require.Equal(t, adapter.StateDeleted, res.State)
}

func TestMapStackStatus(t *testing.T) {
	require.Equal(t, adapter.StateRunning, MapStackStatus(cfntypes.StackStatusUpdateInProgress))
	require.Equal(t, adapter.StateRunning, MapStackStatus(cfntypes.StackStatusDeleteInProgress))
	require.Equal(t, adapter.StateCompleted, MapStackStatus(cfntypes.StackStatusCreateComplete))
	require.Equal(t, adapter.StateCompleted, MapStackStatus(cfntypes.StackStatusUpdateComplete))
	require.Equal(t, adapter.StateDeleted, MapStackStatus(cfntypes.StackStatusDeleteComplete))
	require.Equal(t, adapter.StateFailed, MapStackStatus(cfntypes.StackStatusCreateFailed))
	require.Equal(t, adapter.StateFailed, MapStackStatus(cfntypes.StackStatusRollbackComplete))
}
