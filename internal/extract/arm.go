package extract

import (
	"encoding/json"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
)

// ARMDeployment mirrors the subset of the ARM deployments GET/validate
// response the extractor consumes.
type ARMDeployment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Properties struct {
		ProvisioningState string                    `json:"provisioningState"`
		Outputs           map[string]armOutputValue `json:"outputs"`
		OutputResources   []armResourceRef          `json:"outputResources"`
		ValidatedResources []armResourceRef         `json:"validatedResources"`
		Error             json.RawMessage           `json:"error"`
	} `json:"properties"`
}

type armOutputValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type armResourceRef struct {
	ID string `json:"id"`
}

// ParseARMDeployment decodes a raw deployments API body.
func ParseARMDeployment(raw []byte) (*ARMDeployment, error) {
	var d ARMDeployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode arm deployment body failed")
	}
	return &d, nil
}

// FromARMDeployment converts an ARM deployment result into canonical outputs
// and resources. Validated resources (dry runs) and output resources (real
// runs) feed the same shape; API order is preserved.
func FromARMDeployment(d *ARMDeployment) (map[string]any, []models.Resource) {
	outputs := map[string]any{}
	var resources []models.Resource
	if d == nil {
		return outputs, resources
	}

	for name, out := range d.Properties.Outputs {
		outputs[name] = out.Value
	}

	refs := d.Properties.OutputResources
	if len(refs) == 0 {
		refs = d.Properties.ValidatedResources
	}
	for _, ref := range refs {
		group, typ, name := splitARMResourceID(ref.ID)
		resources = append(resources, models.Resource{
			ResourceID:    ref.ID,
			ResourceType:  typ,
			ResourceName:  name,
			ResourceGroup: group,
		})
	}
	return outputs, resources
}
