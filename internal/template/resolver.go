// Package template resolves a deployment's template source (store id, URL, or
// inline code) into canonical template text plus a detected template type.
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudweave/engine/internal/models"
	appErr "github.com/cloudweave/engine/pkg/errors"
)

// Source identifies where template text comes from. Exactly one field must be
// set; the resolver rejects zero or multiple sources.
type Source struct {
	ID   string
	URL  string
	Code string
}

// Resolver produces template text and type from a source. The hint, when
// non-empty, overrides detection.
type Resolver interface {
	Resolve(ctx context.Context, src Source, hint models.TemplateType) (string, models.TemplateType, error)
}

// StoreResolver fetches by-id templates from the control plane's template
// store and by-URL templates through the scheme fetchers.
type StoreResolver struct {
	storeBaseURL string
	client       *http.Client
	fetcher      *URLFetcher
}

func NewStoreResolver(storeBaseURL string) *StoreResolver {
	return &StoreResolver{
		storeBaseURL: strings.TrimRight(storeBaseURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		fetcher:      NewURLFetcher(),
	}
}

var _ Resolver = (*StoreResolver)(nil)

func (r *StoreResolver) Resolve(ctx context.Context, src Source, hint models.TemplateType) (string, models.TemplateType, error) {
	set := 0
	for _, s := range []string{src.ID, src.URL, src.Code} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return "", "", appErr.New(appErr.CodeInvalid,
			"exactly one of template id, url, or inline code must be provided")
	}

	var text string
	var err error
	switch {
	case src.Code != "":
		if strings.TrimSpace(src.Code) == "" {
			return "", "", appErr.New(appErr.CodeInvalid, "inline template code is empty")
		}
		text = src.Code
	case src.URL != "":
		text, err = r.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			return "", "", err
		}
	default:
		text, err = r.fetchByID(ctx, src.ID)
		if err != nil {
			return "", "", err
		}
	}

	typ := hint
	if typ == "" {
		typ = DetectType(text)
	}
	return text, typ, nil
}

func (r *StoreResolver) fetchByID(ctx context.Context, id string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/templates/%s", r.storeBaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "build template store request failed")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "template store fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", appErr.New(appErr.CodeNotFound, fmt.Sprintf("template %q not found", id))
	}
	if resp.StatusCode != http.StatusOK {
		return "", appErr.New(appErr.CodeUnavailable,
			fmt.Sprintf("template store returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "read template store response failed")
	}

	// The store wraps template bodies in {"data": {"content": "..."}}; plain
	// bodies are accepted as-is.
	var wrapped struct {
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data.Content != "" {
		return wrapped.Data.Content, nil
	}
	return string(body), nil
}

// DetectType inspects template text and classifies it. ARM templates carry the
// deploymentTemplate $schema, CloudFormation carries AWSTemplateFormatVersion
// (JSON or YAML); everything else is treated as HCL.
func DetectType(text string) models.TemplateType {
	trimmed := strings.TrimSpace(text)

	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		if schema, ok := doc["$schema"].(string); ok && strings.Contains(schema, "deploymentTemplate") {
			return models.TemplateARM
		}
		if _, ok := doc["AWSTemplateFormatVersion"]; ok {
			return models.TemplateCloudFormation
		}
		if _, ok := doc["Resources"]; ok {
			return models.TemplateCloudFormation
		}
		return models.TemplateARM
	}

	if strings.Contains(trimmed, "AWSTemplateFormatVersion") {
		return models.TemplateCloudFormation
	}
	return models.TemplateTerraform
}
