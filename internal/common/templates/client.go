// Package templates checks template codes against the template service.
package templates

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	commonhttp "dispatch-engine/internal/common/http"
)

// ErrTemplateRejected means the template service answered and refused the code.
var ErrTemplateRejected = errors.New("TEMPLATE_REJECTED")

// Client calls GET /api/v1/templates/{code}.
type Client struct {
	http *commonhttp.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: commonhttp.NewClient(baseURL, timeout)}
}

// Validate returns nil for a 2xx answer, ErrTemplateRejected for a 4xx one
// and the transport error otherwise.
func (c *Client) Validate(ctx context.Context, templateCode string) error {
	err := c.http.GetJSON(ctx, "/api/v1/templates/"+url.PathEscape(templateCode), "", nil)
	if err == nil {
		return nil
	}
	var statusErr *commonhttp.StatusError
	if errors.As(err, &statusErr) && statusErr.ClientError() {
		return fmt.Errorf("%w: %s (status %d)", ErrTemplateRejected, templateCode, statusErr.StatusCode)
	}
	return err
}

// IsRejection is the breaker predicate that keeps rejections out of the failure count.
func IsRejection(err error) bool {
	return errors.Is(err, ErrTemplateRejected)
}
