package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"marksync/internal/apierr"
)

const defaultRequestTimeout = 30 * time.Second

// restClient is the shared HTTP plumbing of every adapter: it executes a
// request, folds rate-limit headers into the classifier on every response,
// and converts failures into classified errors.
type restClient struct {
	c          *http.Client
	classifier *apierr.Classifier
	userAgent  string
}

func newRESTClient(classifier *apierr.Classifier) *restClient {
	if classifier == nil {
		classifier = apierr.NewClassifier()
	}
	return &restClient{
		c:          &http.Client{Timeout: defaultRequestTimeout},
		classifier: classifier,
		userAgent:  "MarkSync/1.0",
	}
}

// doJSON performs a request with a JSON (or form) body and returns the raw
// response body. Non-2xx responses come back as *apierr.ClassifiedError.
func (r *restClient) doJSON(ctx context.Context, method, rawurl string, header http.Header, body []byte, opName string) ([]byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.c.Do(req)
	if err != nil {
		return nil, nil, r.classifier.ClassifyTransportError(err, opName)
	}
	defer resp.Body.Close()

	r.classifier.UpdateFromHeaders(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, r.classifier.ClassifyTransportError(err, opName)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, resp.Header, r.classifier.ClassifyResponse(resp.StatusCode, resp.Header, respBody, opName)
	}

	return respBody, resp.Header, nil
}

// postForm performs a form-encoded POST used by token exchanges. The raw
// status code and body are returned so callers can build provider-specific
// token errors instead of the generic taxonomy.
func (r *restClient) postForm(ctx context.Context, rawurl string, header http.Header, form url.Values, opName string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawurl, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.c.Do(req)
	if err != nil {
		return 0, nil, r.classifier.ClassifyTransportError(err, opName)
	}
	defer resp.Body.Close()

	r.classifier.UpdateFromHeaders(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, r.classifier.ClassifyTransportError(err, opName)
	}
	return resp.StatusCode, body, nil
}

func bearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
