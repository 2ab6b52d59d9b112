package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteBackend models an S3-compatible object store reachable over plain
// presigned HTTP PUT/GET, for deployments where Config.Artifacts.Backend ==
// "s3". No AWS SDK is wired: none of the example repos in this pack carry
// one, and the spec only requires "a typed object backend" behind PUT/GET
// URLs (§1), which a presigning HTTP client already satisfies without
// fabricating a cloud SDK dependency.
type RemoteBackend struct {
	BaseURL    string
	Client     *http.Client
}

func NewRemoteBackend(baseURL string, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

func (b *RemoteBackend) IsLocal() bool { return false }

func (b *RemoteBackend) PresignPut(ctx context.Context, key string) (string, error) {
	return fmt.Sprintf("%s/staging/%s?op=put", b.BaseURL, key), nil
}

func (b *RemoteBackend) PresignGet(ctx context.Context, bucket, key string) (string, error) {
	return fmt.Sprintf("%s/%s/%s?op=get", b.BaseURL, bucket, key), nil
}

func (b *RemoteBackend) WriteStaging(ctx context.Context, key string, r io.Reader) (int64, error) {
	return 0, fmt.Errorf("artifact: remote backend does not accept direct writes, use presigned PUT")
}

func (b *RemoteBackend) ReadStaging(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	return b.get(ctx, "staging", key, maxBytes)
}

func (b *RemoteBackend) get(ctx context.Context, bucket, key string, maxBytes int64) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s", b.BaseURL, bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact: remote get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact: remote get status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBytes))
}

func (b *RemoteBackend) MoveToClean(ctx context.Context, key string) error {
	return b.move(ctx, key, "clean")
}

func (b *RemoteBackend) MoveToQuarantine(ctx context.Context, key string) error {
	return b.move(ctx, key, "quarantine")
}

func (b *RemoteBackend) move(ctx context.Context, key, toBucket string) error {
	url := fmt.Sprintf("%s/staging/%s?move_to=%s", b.BaseURL, key, toBucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("artifact: remote move: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact: remote move status %d", resp.StatusCode)
	}
	return nil
}

func (b *RemoteBackend) Delete(ctx context.Context, bucket, key string) error {
	url := fmt.Sprintf("%s/%s/%s", b.BaseURL, bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("artifact: remote delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("artifact: remote delete status %d", resp.StatusCode)
	}
	return nil
}

func (b *RemoteBackend) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s/%s", b.BaseURL, bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact: remote open: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("artifact: remote open status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
