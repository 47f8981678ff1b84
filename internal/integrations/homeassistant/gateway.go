package homeassistant

import (
	"context"

	"github.com/hearthside-labs/vigil/internal/telemetry"
)

// CallService invokes a Home Assistant service, for ha_call_service
// actions. The call is correlated and waits for the server's result, so
// a rejected service call fails the action rather than vanishing.
func (c *Client) CallService(ctx context.Context, domain, service string, target, data map[string]any) error {
	ctx, span := telemetry.StartGatewaySpan(ctx, source, "call_service")
	var err error
	defer func() { telemetry.EndGatewaySpan(span, err) }()

	cmd := map[string]any{
		"type":    "call_service",
		"domain":  domain,
		"service": service,
	}
	if len(target) > 0 {
		cmd["target"] = target
	}
	if len(data) > 0 {
		cmd["service_data"] = data
	}

	_, err = c.call(ctx, cmd)
	return err
}
