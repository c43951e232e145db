package notary

import (
	"context"
	"fmt"
)

// Staple embeds the notarization ticket into the container and
// validates it offline. A failure here is a warning only: the
// container remains validly notarized even without an embedded ticket.
func (c *Client) Staple(ctx context.Context, path string) error {
	if _, err := c.runner.Run(ctx, "xcrun", "stapler", "staple", path); err != nil {
		return fmt.Errorf("stapling failed: %w", err)
	}

	// Offline check: a stapled container must validate without network
	// access.
	if _, err := c.runner.Run(ctx, "xcrun", "stapler", "validate", path); err != nil {
		return fmt.Errorf("stapled ticket validation failed: %w", err)
	}

	// Final install-type acceptance probe, recorded only.
	if _, err := c.runner.Run(ctx, "spctl", "--assess", "--type", "install", path); err != nil {
		c.log.Info("Gatekeeper install probe negative after stapling", "path", path, "err", err)
	} else {
		c.log.Info("Gatekeeper accepts stapled container", "path", path)
	}

	return nil
}
