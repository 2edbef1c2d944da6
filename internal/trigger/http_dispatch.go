package trigger

import (
	"context"
	"fmt"
	"net/http"

	"orchestrator-core/internal/dispatcher"
)

// HTTPDispatch posts dispatch requests to the workflow-dispatch endpoint of the
// downstream service.
type HTTPDispatch struct {
	client *dispatcher.Client
	path   string
}

func NewHTTPDispatch(client *dispatcher.Client, path string) *HTTPDispatch {
	return &HTTPDispatch{client: client, path: path}
}

// Dispatch keys the call on the trigger event and user so a retried
// invocation is deduplicated by the receiver.
func (d *HTTPDispatch) Dispatch(ctx context.Context, req DispatchRequest) error {
	resp, err := d.client.Call(ctx, dispatcher.Request{
		Endpoint:       d.path,
		Method:         http.MethodPost,
		Body:           req,
		IdempotencyKey: req.TriggerEventID + "-" + req.UserID,
	})
	if err != nil {
		return err
	}
	if !dispatcher.IsSuccess(resp) {
		return fmt.Errorf("dispatch %s for %s: %s", req.WorkflowKey, req.UserID, dispatcher.ErrorInfo(resp))
	}
	return nil
}
