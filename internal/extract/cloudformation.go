package extract

import (
	"encoding/json"

	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/cloudweave/engine/internal/models"
	"gorm.io/datatypes"
)

// FromCloudFormationStack converts a described stack and its resource listing
// into canonical outputs and resources. The stack name becomes the canonical
// group and the client region the location; API order is preserved.
func FromCloudFormationStack(stack *cfntypes.Stack, stackResources []cfntypes.StackResource, region string) (map[string]any, []models.Resource) {
	outputs := map[string]any{}
	var resources []models.Resource

	stackName := ""
	if stack != nil {
		stackName = deref(stack.StackName)
		for _, out := range stack.Outputs {
			outputs[deref(out.OutputKey)] = deref(out.OutputValue)
		}
	}

	for _, sr := range stackResources {
		r := models.Resource{
			ResourceID:    deref(sr.PhysicalResourceId),
			ResourceType:  deref(sr.ResourceType),
			ResourceName:  deref(sr.LogicalResourceId),
			Location:      region,
			ResourceGroup: stackName,
		}
		props := map[string]any{
			"status": string(sr.ResourceStatus),
		}
		if reason := deref(sr.ResourceStatusReason); reason != "" {
			props["status_reason"] = reason
		}
		if b, err := json.Marshal(props); err == nil {
			r.Properties = datatypes.JSON(b)
		}
		resources = append(resources, r)
	}
	return outputs, resources
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
