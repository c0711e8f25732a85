package template

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appErr "github.com/cloudweave/engine/pkg/errors"
	"google.golang.org/api/option"
)

// URLFetcher retrieves template text from http(s), s3://, gs://, and Azure
// blob URLs. Cloud-scheme fetches use the ambient default credential chain of
// the respective SDK.
type URLFetcher struct {
	httpClient *http.Client
}

func NewURLFetcher() *URLFetcher {
	return &URLFetcher{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (f *URLFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInvalid, "invalid template url")
	}

	switch u.Scheme {
	case "http", "https":
		if strings.HasSuffix(u.Host, ".blob.core.windows.net") {
			return f.fetchAzureBlob(ctx, u)
		}
		return f.fetchHTTP(ctx, rawURL)
	case "s3":
		return f.fetchS3(ctx, u)
	case "gs":
		return f.fetchGCS(ctx, u)
	default:
		return "", appErr.New(appErr.CodeInvalid, fmt.Sprintf("unsupported template url scheme %q", u.Scheme))
	}
}

func (f *URLFetcher) fetchHTTP(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "build template request failed")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "template url fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", appErr.New(appErr.CodeUnavailable,
			fmt.Sprintf("template url returned status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "read template body failed")
	}
	return string(body), nil
}

// fetchAzureBlob handles https://{account}.blob.core.windows.net/{container}/{blob}.
// A URL carrying a SAS query is fetched as plain HTTPS; otherwise the default
// Azure credential chain signs the download.
func (f *URLFetcher) fetchAzureBlob(ctx context.Context, u *url.URL) (string, error) {
	if u.RawQuery != "" {
		return f.fetchHTTP(ctx, u.String())
	}

	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return "", appErr.New(appErr.CodeInvalid, "azure blob url must be /container/blob")
	}
	container, blob := parts[0], parts[1]

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeCredential, "azure default credential failed")
	}
	client, err := azblob.NewClient(fmt.Sprintf("https://%s/", u.Host), cred, nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "azure blob client failed")
	}
	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "azure blob download failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "read azure blob failed")
	}
	return string(body), nil
}

func (f *URLFetcher) fetchS3(ctx context.Context, u *url.URL) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeCredential, "aws default config failed")
	}
	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "s3 template fetch failed")
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "read s3 template failed")
	}
	return string(body), nil
}

func (f *URLFetcher) fetchGCS(ctx context.Context, u *url.URL) (string, error) {
	client, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeCredential, "gcs client failed")
	}
	defer client.Close()

	rd, err := client.Bucket(u.Host).Object(strings.TrimPrefix(u.Path, "/")).NewReader(ctx)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "gcs template fetch failed")
	}
	defer rd.Close()
	body, err := io.ReadAll(rd)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "read gcs template failed")
	}
	return string(body), nil
}
