// Package terraform runs the terraform binary against an exclusive
// per-deployment working directory. init, plan, and apply execute as
// sequential, individually timeout-bounded subprocess invocations; outputs and
// resources come from terraform's machine-readable state, never from free-text
// logs.
package terraform

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"

	"github.com/cloudweave/engine/internal/adapter"
	"github.com/cloudweave/engine/internal/extract"
	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
	"github.com/cloudweave/engine/pkg/logger"
	"go.uber.org/zap"
)

const planFile = "tfplan"

// Runner is the terraform-exec surface the adapter drives.
// *tfexec.Terraform implements it.
type Runner interface {
	SetEnv(env map[string]string) error
	Init(ctx context.Context, opts ...tfexec.InitOption) error
	Plan(ctx context.Context, opts ...tfexec.PlanOption) (bool, error)
	Apply(ctx context.Context, opts ...tfexec.ApplyOption) error
	Output(ctx context.Context, opts ...tfexec.OutputOption) (map[string]tfexec.OutputMeta, error)
	Show(ctx context.Context, opts ...tfexec.ShowOption) (*tfjson.State, error)
	Destroy(ctx context.Context, opts ...tfexec.DestroyOption) error
}

// RunnerFactory builds a Runner bound to a working directory with the given
// log writers.
type RunnerFactory func(dir string, stdout, stderr io.Writer) (Runner, error)

// Adapter implements the deploy/status/update/destroy contract for terraform
// templates on any provider. The working directory doubles as the execution
// handle and is retained until a successful destroy.
type Adapter struct {
	baseDir     string
	stepTimeout time.Duration
	runners     RunnerFactory
}

func New(baseDir string, stepTimeout time.Duration) *Adapter {
	return NewWithRunnerFactory(baseDir, stepTimeout, defaultRunnerFactory)
}

// NewWithRunnerFactory injects the terraform executor; tests use it to script
// exit semantics without the binary.
func NewWithRunnerFactory(baseDir string, stepTimeout time.Duration, f RunnerFactory) *Adapter {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Minute
	}
	return &Adapter{baseDir: baseDir, stepTimeout: stepTimeout, runners: f}
}

var _ adapter.Interface = (*Adapter)(nil)

func (a *Adapter) Deploy(ctx context.Context, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	dir := a.workDir(req)
	if err := writeWorkspace(dir, req.Template, mergeValues(req.Variables, req.Parameters)); err != nil {
		return nil, err
	}
	return a.run(ctx, dir, req)
}

// Update re-runs plan/apply in the retained working directory. An empty
// template keeps the files written by the original deploy.
func (a *Adapter) Update(ctx context.Context, handle string, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	dir := handle
	if dir == "" {
		dir = a.workDir(req)
	}
	values := mergeValues(req.Variables, req.Parameters)
	logger.L().Info("terraform update",
		zap.String("working_dir", dir),
		zap.String("vars_fingerprint", VarsFingerprint(values)))
	if req.Template != "" {
		if err := writeWorkspace(dir, req.Template, values); err != nil {
			return nil, err
		}
	} else if len(values) > 0 {
		if err := writeVarsFile(dir, values); err != nil {
			return nil, err
		}
	}
	return a.run(ctx, dir, req)
}

// Status reads the current state from the working directory. Terraform runs
// block to completion, so this only serves later inspection and destroys.
func (a *Adapter) Status(ctx context.Context, handle string, cred *models.Credential) (*adapter.StatusResult, error) {
	if _, err := os.Stat(handle); os.IsNotExist(err) {
		return &adapter.StatusResult{State: adapter.StateDeleted}, nil
	}
	tf, err := a.runners(handle, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := tf.SetEnv(credentialEnv(cred)); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "set terraform env failed")
	}
	showCtx, cancel := context.WithTimeout(ctx, a.stepTimeout)
	defer cancel()
	state, err := tf.Show(showCtx)
	if err != nil {
		return &adapter.StatusResult{
			State:        adapter.StateFailed,
			ErrorMessage: "terraform show failed",
			ErrorDetails: map[string]any{"error": err.Error()},
		}, nil
	}
	outputs, resources := extract.FromTerraformState(state)
	return &adapter.StatusResult{State: adapter.StateCompleted, Outputs: outputs, Resources: resources}, nil
}

// Destroy tears down the deployment and removes the working directory only
// after terraform destroy succeeds.
func (a *Adapter) Destroy(ctx context.Context, handle string, cred *models.Credential) (*adapter.DestroyResult, error) {
	if _, err := os.Stat(handle); os.IsNotExist(err) {
		return &adapter.DestroyResult{State: adapter.StateDeleted}, nil
	}

	var stdout, stderr strings.Builder
	tf, err := a.runners(handle, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	if err := tf.SetEnv(credentialEnv(cred)); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "set terraform env failed")
	}

	destroyCtx, cancel := context.WithTimeout(ctx, a.stepTimeout)
	defer cancel()
	logger.L().Info("running terraform destroy", zap.String("working_dir", handle))
	if err := tf.Destroy(destroyCtx); err != nil {
		return &adapter.DestroyResult{
			State:        adapter.StateFailed,
			Logs:         splitLogs(stdout.String()),
			ErrorMessage: "terraform destroy failed",
			ErrorDetails: map[string]any{"error": err.Error(), "stderr": stderr.String()},
		}, nil
	}

	if err := os.RemoveAll(handle); err != nil {
		logger.L().Warn("remove working dir failed", zap.String("working_dir", handle), zap.Error(err))
	}
	return &adapter.DestroyResult{State: adapter.StateDeleted, Logs: splitLogs(stdout.String())}, nil
}

// run executes init → plan → apply. A dry run stops after plan: pending
// changes (terraform detailed exit code 2) are success, a fatal plan error
// (exit code 1) is failure, and no changes with a dry run is success with
// empty outputs.
func (a *Adapter) run(ctx context.Context, dir string, req adapter.DeployRequest) (*adapter.DeployResult, error) {
	var stdout, stderr strings.Builder
	tf, err := a.runners(dir, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	if err := tf.SetEnv(credentialEnv(req.Credential)); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "set terraform env failed")
	}

	fail := func(step string, err error) *adapter.DeployResult {
		return &adapter.DeployResult{
			State:        adapter.StateFailed,
			Handle:       dir,
			Logs:         splitLogs(stdout.String()),
			ErrorMessage: "terraform " + step + " failed",
			ErrorDetails: map[string]any{"error": err.Error(), "stderr": stderr.String()},
		}
	}

	initCtx, cancelInit := context.WithTimeout(ctx, a.stepTimeout)
	defer cancelInit()
	logger.L().Info("running terraform init", zap.String("working_dir", dir))
	if err := tf.Init(initCtx, tfexec.Upgrade(true)); err != nil {
		return fail("init", err), nil
	}

	planCtx, cancelPlan := context.WithTimeout(ctx, a.stepTimeout)
	defer cancelPlan()
	logger.L().Info("running terraform plan", zap.String("working_dir", dir))
	hasChanges, err := tf.Plan(planCtx, tfexec.Out(planFile))
	if err != nil {
		return fail("plan", err), nil
	}

	if req.DryRun {
		return &adapter.DeployResult{
			State:   adapter.StateCompleted,
			Handle:  dir,
			Outputs: map[string]any{},
			Logs:    splitLogs(stdout.String()),
		}, nil
	}

	if hasChanges {
		applyCtx, cancelApply := context.WithTimeout(ctx, a.stepTimeout)
		defer cancelApply()
		logger.L().Info("running terraform apply", zap.String("working_dir", dir))
		if err := tf.Apply(applyCtx, tfexec.DirOrPlan(planFile)); err != nil {
			return fail("apply", err), nil
		}
	}

	outputs, err := a.readOutputs(ctx, tf)
	if err != nil {
		logger.L().Warn("read terraform outputs failed", zap.Error(err))
		outputs = map[string]any{}
	}

	showCtx, cancelShow := context.WithTimeout(ctx, a.stepTimeout)
	defer cancelShow()
	state, err := tf.Show(showCtx)
	if err != nil {
		return fail("show", err), nil
	}
	_, resources := extract.FromTerraformState(state)

	return &adapter.DeployResult{
		State:     adapter.StateCompleted,
		Handle:    dir,
		Outputs:   outputs,
		Resources: resources,
		Logs:      splitLogs(stdout.String()),
	}, nil
}

func (a *Adapter) readOutputs(ctx context.Context, tf Runner) (map[string]any, error) {
	outCtx, cancel := context.WithTimeout(ctx, a.stepTimeout)
	defer cancel()
	metas, err := tf.Output(outCtx)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]any, len(metas))
	for name, meta := range metas {
		var v any
		if err := json.Unmarshal(meta.Value, &v); err != nil {
			v = string(meta.Value)
		}
		outputs[name] = v
	}
	return outputs, nil
}

func (a *Adapter) workDir(req adapter.DeployRequest) string {
	return filepath.Join(a.baseDir, req.DeploymentID.String())
}

func defaultRunnerFactory(dir string, stdout, stderr io.Writer) (Runner, error) {
	tfPath, err := exec.LookPath("terraform")
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "terraform not found in PATH")
	}
	tf, err := tfexec.NewTerraform(dir, tfPath)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create terraform executor failed")
	}
	if stdout != nil {
		tf.SetStdout(stdout)
	}
	if stderr != nil {
		tf.SetStderr(stderr)
	}
	return tf, nil
}

func splitLogs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
