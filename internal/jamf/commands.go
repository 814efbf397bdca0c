package jamf

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"crguard/internal/crguard"
)

func commandPath(command, computerID string) string {
	return "/JSSResource/computercommands/command/" + command + "/id/" + url.PathEscape(computerID)
}

// FlushPolicyLog removes a computer's log entries for a policy so the policy
// becomes eligible to run again.
func (c *Client) FlushPolicyLog(ctx context.Context, computerID, policyID string) error {
	path := "/JSSResource/computerhistory/id/" + url.PathEscape(computerID) +
		"/subset/PolicyLogs/policy/" + url.PathEscape(policyID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to flush policy %s log for computer %s: %w", policyID, computerID, err)
	}
	return nil
}

// BlankPush asks the computer to check in.
func (c *Client) BlankPush(ctx context.Context, computerID string) error {
	if err := c.do(ctx, http.MethodPost, commandPath("BlankPush", computerID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to send blank push to computer %s: %w", computerID, err)
	}
	return nil
}

// UpdateInventory asks the computer to submit fresh inventory.
func (c *Client) UpdateInventory(ctx context.Context, computerID string) error {
	if err := c.do(ctx, http.MethodPost, commandPath("UpdateInventory", computerID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to request inventory update from computer %s: %w", computerID, err)
	}
	return nil
}

// RestartDevice restarts the computer immediately. Unsaved user work is lost.
func (c *Client) RestartDevice(ctx context.Context, computerID string) error {
	if err := c.do(ctx, http.MethodPost, commandPath("RestartDevice", computerID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to restart computer %s: %w", computerID, err)
	}
	return nil
}

// FlushFailedCommands clears failed MDM commands queued for a computer.
func (c *Client) FlushFailedCommands(ctx context.Context, computerID string) error {
	path := "/JSSResource/commandflush/computers/id/" + url.PathEscape(computerID) + "/status/Failed"
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to flush failed commands for computer %s: %w", computerID, err)
	}
	return nil
}

// InstallProfile queues a configuration profile install on a computer.
func (c *Client) InstallProfile(ctx context.Context, computerID, profileID string) error {
	body := map[string]string{"profile_id": profileID}
	if err := c.do(ctx, http.MethodPost, commandPath("InstallProfile", computerID), nil, body, nil); err != nil {
		return fmt.Errorf("failed to install profile %s on computer %s: %w", profileID, computerID, err)
	}
	return nil
}

// RetriggerPolicy flushes the policy log and wakes the computer so the policy
// runs at its next check-in.
func (c *Client) RetriggerPolicy(ctx context.Context, computerID, policyID string) error {
	if err := c.FlushPolicyLog(ctx, computerID, policyID); err != nil {
		return err
	}
	if err := c.BlankPush(ctx, computerID); err != nil {
		if crguard.IsFatal(err) {
			return err
		}
		log.Printf("[WARN] Policy %s flushed for computer %s but wake failed: %v (continuing)", policyID, computerID, err)
	}
	return nil
}

// ReinstallProfile clears the failed install commands and queues the profile
// again.
func (c *Client) ReinstallProfile(ctx context.Context, computerID, profileID string) error {
	if err := c.FlushFailedCommands(ctx, computerID); err != nil {
		if crguard.IsFatal(err) {
			return err
		}
		log.Printf("[WARN] Could not clear failed commands for computer %s: %v (continuing)", computerID, err)
	}
	return c.InstallProfile(ctx, computerID, profileID)
}

// Wake sends a blank push.
func (c *Client) Wake(ctx context.Context, computerID string) error {
	return c.BlankPush(ctx, computerID)
}
