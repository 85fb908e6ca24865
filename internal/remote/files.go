package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// CreateFile registers a file with the service and returns the
// service-issued file id plus one presigned upload URL per chunk.
func (c *Client) CreateFile(ctx context.Context, req *CreateFileRequest) (*CreateFileResponse, error) {
	var resp CreateFileResponse

	if err := c.postJSON(ctx, "/files", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.PresignedURLs) != req.ChunkCount {
		return nil, &ServiceError{
			Message: fmt.Sprintf("expected %d presigned URLs, got %d", req.ChunkCount, len(resp.PresignedURLs)),
			Err:     ErrRejected,
		}
	}

	return &resp, nil
}

// ConfirmFile completes the multipart upload. The service is idempotent
// on identical confirmations, so callers may retry freely.
func (c *Client) ConfirmFile(ctx context.Context, fileID string, chunkIDs []string) error {
	var resp ConfirmResponse

	req := &ConfirmRequest{FileID: fileID, ChunkIDs: chunkIDs}

	if err := c.postJSON(ctx, "/files/confirm", req, &resp); err != nil {
		return err
	}

	if !resp.Success {
		return &ServiceError{Message: resp.ErrorMessage, Err: ErrRejected}
	}

	return nil
}

// RequestDownload asks for presigned ranged download URLs covering the
// given chunks of a file.
func (c *Client) RequestDownload(ctx context.Context, req *DownloadRequest) (*DownloadResponse, error) {
	var resp DownloadResponse

	if err := c.postJSON(ctx, "/files/download", req, &resp); err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &ServiceError{Message: resp.ErrorMessage, Err: ErrRejected}
	}

	if len(resp.DownloadURLs) != len(req.Chunks) {
		return nil, &ServiceError{
			Message: fmt.Sprintf("expected %d download URLs, got %d", len(req.Chunks), len(resp.DownloadURLs)),
			Err:     ErrRejected,
		}
	}

	return &resp, nil
}

// Health checks the files service health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse

	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("remote: decoding health response: %w", err)
	}

	if health.Status != "healthy" {
		return &ServiceError{Message: fmt.Sprintf("service status %q", health.Status), Err: ErrUnavailable}
	}

	return nil
}

// postJSON marshals req, POSTs it, and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("remote: encoding %s request: %w", path, err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote: reading %s response: %w", path, err)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("remote: decoding %s response: %w", path, err)
	}

	return nil
}
