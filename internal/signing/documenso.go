package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labsign-signing")

// DefaultDocumensoURL is the public Documenso API v1 base URL.
const DefaultDocumensoURL = "https://app.documenso.com/api/v1"

// maxArtifactBytes bounds the signed PDF download.
const maxArtifactBytes = 64 << 20

// DocumensoClient talks to the Documenso REST API.
type DocumensoClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// DocumensoOption configures a DocumensoClient.
type DocumensoOption func(*DocumensoClient)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) DocumensoOption {
	return func(dc *DocumensoClient) { dc.http = c }
}

// NewDocumensoClient creates a client for the API rooted at baseURL.
func NewDocumensoClient(baseURL, apiKey string, opts ...DocumensoOption) (*DocumensoClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("documenso api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultDocumensoURL
	}
	dc := &DocumensoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   2 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(dc)
	}
	return dc, nil
}

type createDocumentRequest struct {
	Title      string   `json:"title"`
	Recipients []Signer `json:"recipients"`
}

type createDocumentResponse struct {
	DocumentID json.Number `json:"documentId"`
	UploadURL  string      `json:"uploadUrl"`
}

type documentResponse struct {
	ID     json.Number `json:"id"`
	Status string      `json:"status"`
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// CreateRemoteDocument registers the document and its recipients, then uploads the PDF
// to the presigned URL returned by the registration.
func (dc *DocumensoClient) CreateRemoteDocument(ctx context.Context, title string, pdf []byte, fileName string, signers []Signer) (string, error) {
	ctx, span := tracer.Start(ctx, "documenso.create_document",
		trace.WithAttributes(
			attribute.String("title", title),
			attribute.Int("size_bytes", len(pdf)),
			attribute.Int("signer_count", len(signers)),
		),
	)
	defer span.End()

	recipients := make([]Signer, len(signers))
	for i, s := range signers {
		if s.Role == "" {
			s.Role = "SIGNER"
		}
		recipients[i] = s
	}

	var created createDocumentResponse
	if err := dc.doJSON(ctx, "create", http.MethodPost, "/documents", createDocumentRequest{Title: title, Recipients: recipients}, &created); err != nil {
		recordError(span, err)
		return "", err
	}
	externalID := created.DocumentID.String()
	if externalID == "" || created.UploadURL == "" {
		err := &Error{Op: "create", Err: errors.New("response is missing documentId or uploadUrl")}
		recordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("external_id", externalID))

	if err := dc.upload(ctx, created.UploadURL, pdf); err != nil {
		logrus.WithFields(logrus.Fields{
			"external_id": externalID,
			"file_name":   fileName,
		}).WithError(err).Warn("Remote document registered but upload failed; registration left behind")
		recordError(span, err)
		return "", err
	}
	return externalID, nil
}

func (dc *DocumensoClient) upload(ctx context.Context, uploadURL string, pdf []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(pdf))
	if err != nil {
		return &Error{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.ContentLength = int64(len(pdf))

	resp, err := dc.http.Do(req)
	if err != nil {
		return &Error{Op: "upload", Temporary: true, Err: err}
	}
	defer drain(resp.Body)
	return checkStatus("upload", resp)
}

// Distribute sends the document out to its recipients.
func (dc *DocumensoClient) Distribute(ctx context.Context, externalID string) error {
	ctx, span := tracer.Start(ctx, "documenso.distribute",
		trace.WithAttributes(attribute.String("external_id", externalID)),
	)
	defer span.End()

	id, err := documentID("distribute", externalID)
	if err != nil {
		recordError(span, err)
		return err
	}
	body := map[string]bool{"sendEmail": true}
	if err := dc.doJSON(ctx, "distribute", http.MethodPost, "/documents/"+id+"/send", body, nil); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// GetRemoteStatus reads the document status. Unrecognised values come back as RemoteUnknown.
func (dc *DocumensoClient) GetRemoteStatus(ctx context.Context, externalID string) (RemoteStatus, error) {
	ctx, span := tracer.Start(ctx, "documenso.get_status",
		trace.WithAttributes(attribute.String("external_id", externalID)),
	)
	defer span.End()

	id, err := documentID("status", externalID)
	if err != nil {
		recordError(span, err)
		return RemoteUnknown, err
	}
	var doc documentResponse
	if err := dc.doJSON(ctx, "status", http.MethodGet, "/documents/"+id, nil, &doc); err != nil {
		recordError(span, err)
		return RemoteUnknown, err
	}
	status := ParseRemoteStatus(doc.Status)
	span.SetAttributes(
		attribute.String("remote_status", doc.Status),
		attribute.String("mapped_status", status.String()),
	)
	return status, nil
}

// FetchCompletedArtifact downloads the signed PDF of a completed document.
func (dc *DocumensoClient) FetchCompletedArtifact(ctx context.Context, externalID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "documenso.fetch_artifact",
		trace.WithAttributes(attribute.String("external_id", externalID)),
	)
	defer span.End()

	id, err := documentID("download", externalID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	status, err := dc.GetRemoteStatus(ctx, id)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if status != RemoteCompleted {
		return nil, fmt.Errorf("%w: remote status is %s", ErrNotReady, status)
	}

	var dl downloadResponse
	if err := dc.doJSON(ctx, "download", http.MethodGet, "/documents/"+id+"/download", nil, &dl); err != nil {
		recordError(span, err)
		return nil, err
	}
	if dl.DownloadURL == "" {
		err := &Error{Op: "download", Err: errors.New("response is missing downloadUrl")}
		recordError(span, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.DownloadURL, nil)
	if err != nil {
		return nil, &Error{Op: "download", Err: err}
	}
	resp, err := dc.http.Do(req)
	if err != nil {
		err = &Error{Op: "download", Temporary: true, Err: err}
		recordError(span, err)
		return nil, err
	}
	defer drain(resp.Body)
	if err := checkStatus("download", resp); err != nil {
		recordError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		err = &Error{Op: "download", Temporary: true, Err: err}
		recordError(span, err)
		return nil, err
	}
	if len(data) > maxArtifactBytes {
		err := &Error{Op: "download", Err: fmt.Errorf("artifact exceeds %d bytes", maxArtifactBytes)}
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

func (dc *DocumensoClient) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, dc.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+dc.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := dc.http.Do(req)
	if err != nil {
		return &Error{Op: op, Temporary: true, Err: err}
	}
	defer drain(resp.Body)

	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	cause := strings.TrimSpace(string(msg))
	if cause == "" {
		cause = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:        errors.New(cause),
	}
}

// documentID validates that externalID is the numeric id Documenso assigns.
func documentID(op, externalID string) (string, error) {
	if _, err := strconv.ParseInt(externalID, 10, 64); err != nil {
		return "", &Error{Op: op, Err: fmt.Errorf("invalid document id %q", externalID)}
	}
	return externalID, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
