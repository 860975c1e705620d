package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	ta "github.com/mymmrac/telego/telegoapi"

	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound"
)

const maxResponseBytes = 1 << 20

// statusCaller is a telegoapi.Caller that keeps the HTTP status of failed
// calls so the gateway can tell 5xx from 4xx. The stock callers flatten 5xx
// replies into plain errors.
type statusCaller struct {
	client *http.Client
}

func (c statusCaller) Call(ctx context.Context, url string, data *ta.RequestData) (*ta.Response, error) {
	var body io.Reader
	switch {
	case data.BodyRaw != nil:
		body = bytes.NewReader(data.BodyRaw)
	case data.BodyStream != nil:
		body = data.BodyStream
	default:
		return nil, errors.New("body is not provided")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(ta.ContentTypeHeader, data.ContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &outbound.StatusError{StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}

	apiResp := &ta.Response{}
	if err := jsoncodec.Unmarshal(raw, apiResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &outbound.StatusError{StatusCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !apiResp.Ok && apiResp.Error == nil {
		apiResp.Error = &ta.Error{ErrorCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}

	return apiResp, nil
}
