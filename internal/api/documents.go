package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

// UploadDocument sends a document to the backend's ingestion endpoint.
// Ingestion itself happens backend-side; this only ships the bytes.
func (c *Client) UploadDocument(ctx context.Context, name string, r io.Reader, application domain.Application, metadata map[string]any) (map[string]any, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, domain.ErrTransport("building upload form").WithCause(err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, domain.ErrTransport("reading document").WithCause(err)
	}
	if err := mw.WriteField("application", string(application)); err != nil {
		return nil, domain.ErrTransport("building upload form").WithCause(err)
	}
	if metadata != nil {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return nil, domain.ErrTransport("encoding metadata").WithCause(err)
		}
		if err := mw.WriteField("metadata", string(meta)); err != nil {
			return nil, domain.ErrTransport("building upload form").WithCause(err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, domain.ErrTransport("building upload form").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents/upload", &buf)
	if err != nil {
		return nil, domain.ErrTransport("creating request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrTransport("upload failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrTransport("reading response body").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body)
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, domain.ErrProtocolDecode("malformed upload response").WithCause(err)
	}
	return result, nil
}

// ListDocuments returns the documents the backend has indexed.
func (c *Client) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	var docs []domain.Document
	if err := c.getJSON(ctx, "/documents", &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
