package shardStore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

// HTTPNode talks to a node served by Handler. Timeouts are the http.Client's.
type HTTPNode struct {
	address string
	baseURL string
	client  *http.Client
}

// NewHTTPNode reaches the node at baseURL. address is what pointers store; an
// empty address uses baseURL itself.
func NewHTTPNode(address, baseURL string, timeout time.Duration) *HTTPNode {
	if address == "" {
		address = baseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNode{
		address: address,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPNode) Address() string { return h.address }

func (h *HTTPNode) Put(ctx context.Context, shardID string, p types.Payload) error {
	ptr := types.Pointer{ShardID: shardID, Node: h.address}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.blobURL(shardID), bytes.NewReader(p.Data))
	if err != nil {
		return newError(ErrWriteFailed, "put", ptr, err)
	}
	req.Header.Set("Content-Type", p.MimeType)

	resp, err := h.client.Do(req)
	if err != nil {
		return newError(ErrUnreachable, "put", ptr, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return newError(ErrWriteFailed, "put", ptr, statusError(resp))
	}
	return nil
}

func (h *HTTPNode) Get(ctx context.Context, shardID string) (types.Payload, error) {
	ptr := types.Pointer{ShardID: shardID, Node: h.address}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.blobURL(shardID), nil)
	if err != nil {
		return types.Payload{}, newError(ErrUnreachable, "get", ptr, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return types.Payload{}, newError(ErrUnreachable, "get", ptr, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return types.Payload{}, newError(ErrNotFound, "get", ptr, nil)
	}
	if resp.StatusCode >= 300 {
		return types.Payload{}, newError(ErrUnreachable, "get", ptr, statusError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Payload{}, newError(ErrUnreachable, "get", ptr, err)
	}
	return types.Payload{MimeType: resp.Header.Get("Content-Type"), Data: data}, nil
}

func (h *HTTPNode) Remove(ctx context.Context, shardID string) error {
	ptr := types.Pointer{ShardID: shardID, Node: h.address}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.blobURL(shardID), nil)
	if err != nil {
		return newError(ErrWriteFailed, "remove", ptr, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return newError(ErrUnreachable, "remove", ptr, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return newError(ErrWriteFailed, "remove", ptr, statusError(resp))
	}
	return nil
}

func (h *HTTPNode) List(ctx context.Context) ([]BlobInfo, error) {
	var infos []BlobInfo
	if err := h.getJSON(ctx, h.baseURL+"/blobs", &infos); err != nil {
		return nil, newError(ErrUnreachable, "list", types.Pointer{Node: h.address}, err)
	}
	return infos, nil
}

func (h *HTTPNode) FreeBytes(ctx context.Context) (uint64, error) {
	var out capacityResponse
	if err := h.getJSON(ctx, h.baseURL+"/capacity", &out); err != nil {
		return 0, err
	}
	return out.FreeBytes, nil
}

func (h *HTTPNode) blobURL(shardID string) string {
	return h.baseURL + "/blobs/" + url.PathEscape(shardID)
}

func (h *HTTPNode) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("http %s %s: %d %s", resp.Request.Method, resp.Request.URL, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
