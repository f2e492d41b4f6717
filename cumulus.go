// Package cumulus exposes the client builder.
package cumulus

import (
	"github.com/TrialGuides/Cumulus/client"
)

// NewClient instantiates a new *Client with the provided options.
// If not specified, a fresh http.Client over http.DefaultTransport is used.
func NewClient(opts ...client.Option) (*client.Client, error) {
	return client.Build(opts...)
}
