package terraform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
)

// writeWorkspace lays out the per-deployment working directory: the template
// as main.tf and the merged variables as terraform.tfvars.json.
func writeWorkspace(dir, template string, values map[string]any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create working dir failed")
	}
	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte(template), 0o644); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write main.tf failed")
	}
	return writeVarsFile(dir, values)
}

func writeVarsFile(dir string, values map[string]any) error {
	if values == nil {
		values = map[string]any{}
	}
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "marshal variables failed")
	}
	if err := os.WriteFile(filepath.Join(dir, "terraform.tfvars.json"), b, 0o644); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write tfvars failed")
	}
	return nil
}

// mergeValues overlays parameters on variables; parameters win on key clash.
func mergeValues(variables, parameters map[string]any) map[string]any {
	merged := make(map[string]any, len(variables)+len(parameters))
	for k, v := range variables {
		merged[k] = v
	}
	for k, v := range parameters {
		merged[k] = v
	}
	return merged
}

// VarsFingerprint identifies the variables file content, used to detect
// whether an update actually changed inputs.
func VarsFingerprint(values map[string]any) string {
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// credentialEnv builds the subprocess environment for a terraform run: a
// minimal inherited set plus the provider credential variables. Credentials
// never touch the written workspace files.
func credentialEnv(cred *models.Credential) map[string]string {
	env := map[string]string{}
	for _, k := range []string{"PATH", "HOME", "TMPDIR", "TF_PLUGIN_CACHE_DIR"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	if cred == nil {
		return env
	}
	switch cred.Provider {
	case models.ProviderAzure:
		env["ARM_CLIENT_ID"] = cred.ClientID
		env["ARM_CLIENT_SECRET"] = cred.ClientSecret
		env["ARM_TENANT_ID"] = cred.AzureTenantID
		env["ARM_SUBSCRIPTION_ID"] = cred.SubscriptionID
	case models.ProviderAWS:
		env["AWS_ACCESS_KEY_ID"] = cred.AccessKeyID
		env["AWS_SECRET_ACCESS_KEY"] = cred.SecretAccessKey
		env["AWS_REGION"] = cred.Region
		env["AWS_DEFAULT_REGION"] = cred.Region
	case models.ProviderGCP:
		env["GOOGLE_CREDENTIALS"] = cred.ServiceAccountJSON
		env["GOOGLE_PROJECT"] = cred.ProjectID
	}
	return env
}
