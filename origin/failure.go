package origin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// newCallbackClient returns the client of the failure callback. The callback must
// arrive exactly once, so requests that reached the endpoint are never repeated;
// only attempts that failed to connect are retried.
func newCallbackClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 2
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return resp == nil && err != nil, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func (h *Handler) notifyFailure(ctx context.Context, payload protocol.FailureCallback) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalServer, "Failed to encode failure callback").WithCause(err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.config.FailureCallbackURL, body)
	if err != nil {
		return uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalServer, "Failed to create failure callback").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderAPIKey, string(h.config.APIKey))
	req.Header.Set(protocol.HeaderVersion, protocol.Version)
	h.signer.SignRequest(req.Request, body)

	resp, err := h.callbackClient.Do(req)
	if err != nil {
		return uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalServer, "Failed to call failure callback").WithCause(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.Warnf("close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return uploaderror.FromResponse(resp, uploaderror.KindReporting)
	}
	h.logger.Infof("Reported failed upload %s to the failure callback", payload.FileKey)
	return nil
}
