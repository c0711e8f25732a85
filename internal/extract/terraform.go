package extract

import (
	"encoding/json"
	"sort"

	"github.com/cloudweave/engine/internal/models"
	tfjson "github.com/hashicorp/terraform-json"
	"gorm.io/datatypes"
)

// FromTerraformState converts a machine-readable terraform state into
// canonical outputs and resources. Resources are ordered by address so
// repeated extraction of the same state is byte-identical.
func FromTerraformState(state *tfjson.State) (map[string]any, []models.Resource) {
	outputs := map[string]any{}
	var resources []models.Resource
	if state == nil || state.Values == nil {
		return outputs, resources
	}

	for name, out := range state.Values.Outputs {
		if out == nil {
			continue
		}
		outputs[name] = out.Value
	}

	var walk func(m *tfjson.StateModule)
	walk = func(m *tfjson.StateModule) {
		if m == nil {
			return
		}
		for _, res := range m.Resources {
			if res == nil || res.Mode != tfjson.ManagedResourceMode {
				continue
			}
			r := models.Resource{
				ResourceID:    stringAttr(res.AttributeValues, "id", "arn"),
				ResourceType:  res.Type,
				ResourceName:  res.Name,
				Location:      stringAttr(res.AttributeValues, "location", "region"),
				ResourceGroup: stringAttr(res.AttributeValues, "resource_group_name", "project", "bucket"),
			}
			if len(res.AttributeValues) > 0 {
				if b, err := json.Marshal(res.AttributeValues); err == nil {
					r.Properties = datatypes.JSON(b)
				}
			}
			resources = append(resources, r)
		}
		for _, child := range m.ChildModules {
			walk(child)
		}
	}
	walk(state.Values.RootModule)

	sort.SliceStable(resources, func(i, j int) bool {
		if resources[i].ResourceType != resources[j].ResourceType {
			return resources[i].ResourceType < resources[j].ResourceType
		}
		return resources[i].ResourceName < resources[j].ResourceName
	})
	return outputs, resources
}
