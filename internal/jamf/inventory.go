package jamf

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"crguard/internal/cache"
	"crguard/internal/crguard"
	"crguard/internal/inventory"
)

// Inventory sections requested for fleet listings.
var defaultSections = []string{"GENERAL", "HARDWARE", "OPERATING_SYSTEM", "STORAGE"}

type page[T any] struct {
	Results    []T `json:"results"`
	TotalCount int `json:"totalCount"`
}

// fetchPages reads page 0 to learn the total, then fetches the remaining
// pages in parallel, bounded by MaxWorkers.
func fetchPages[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	pageQuery := func(n int) url.Values {
		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		q.Set("page", strconv.Itoa(n))
		q.Set("page-size", strconv.Itoa(c.cfg.PageSize))
		return q
	}

	var first page[T]
	if err := c.do(ctx, http.MethodGet, path, pageQuery(0), nil, &first); err != nil {
		return nil, err
	}
	pages := (first.TotalCount + c.cfg.PageSize - 1) / c.cfg.PageSize
	if pages <= 1 {
		return first.Results, nil
	}

	results := make([][]T, pages)
	results[0] = first.Results
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxWorkers)
	for n := 1; n < pages; n++ {
		g.Go(func() error {
			var p page[T]
			if err := c.do(gCtx, http.MethodGet, path, pageQuery(n), nil, &p); err != nil {
				return fmt.Errorf("failed to fetch page %d of %s: %w", n, path, err)
			}
			results[n] = p.Results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]T, 0, first.TotalCount)
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// Computers lists the whole fleet inventory.
func (c *Client) Computers(ctx context.Context) ([]inventory.RawComputer, error) {
	start := time.Now()
	q := url.Values{"section": defaultSections}
	computers, err := fetchPages[inventory.RawComputer](ctx, c, "/api/v1/computers-inventory", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list computers: %w", err)
	}
	log.Printf("[INFO] Fetched %d computers in %v", len(computers), time.Since(start))
	return computers, nil
}

// ComputerDetail returns one computer's full inventory including applications.
func (c *Client) ComputerDetail(ctx context.Context, id string) (inventory.RawComputer, error) {
	var raw inventory.RawComputer
	if err := c.do(ctx, http.MethodGet, "/api/v1/computers-inventory-detail/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return raw, fmt.Errorf("failed to fetch computer %s: %w", id, err)
	}
	return raw, nil
}

// GroupMembers returns the computer ids of a static or smart group.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var resp struct {
		Group struct {
			Computers []struct {
				ID inventory.FlexID `json:"id"`
			} `json:"computers"`
		} `json:"computer_group"`
	}
	if err := c.do(ctx, http.MethodGet, "/JSSResource/computergroups/id/"+url.PathEscape(groupID), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch group %s: %w", groupID, err)
	}
	ids := make([]string, 0, len(resp.Group.Computers))
	for _, m := range resp.Group.Computers {
		if m.ID != "" {
			ids = append(ids, string(m.ID))
		}
	}
	return ids, nil
}

// PolicyHistory returns the policy log of one computer.
func (c *Client) PolicyHistory(ctx context.Context, computerID string) ([]inventory.RawPolicyLog, error) {
	var resp struct {
		History struct {
			PolicyLogs []inventory.RawPolicyLog `json:"policy_logs"`
		} `json:"computer_history"`
	}
	path := "/JSSResource/computerhistory/id/" + url.PathEscape(computerID) + "/subset/PolicyLogs"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch policy history for computer %s: %w", computerID, err)
	}
	return resp.History.PolicyLogs, nil
}

// CommandHistory fetches a computer's MDM command history.
func (c *Client) CommandHistory(ctx context.Context, computerID string) (inventory.RawCommandHistory, error) {
	var resp struct {
		History struct {
			Commands inventory.RawCommandHistory `json:"commands"`
		} `json:"computer_history"`
	}
	path := "/JSSResource/computerhistory/id/" + url.PathEscape(computerID) + "/subset/Commands"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return inventory.RawCommandHistory{}, fmt.Errorf("failed to fetch commands for computer %s: %w", computerID, err)
	}
	return resp.History.Commands, nil
}

// PendingCommands counts queued MDM commands for a computer.
func (c *Client) PendingCommands(ctx context.Context, computerID string) (int, error) {
	h, err := c.CommandHistory(ctx, computerID)
	if err != nil {
		return 0, err
	}
	return len(h.Pending), nil
}

// PolicyName looks up a policy's display name. Results are cached for the run.
func (c *Client) PolicyName(ctx context.Context, policyID string) (string, error) {
	return cache.GetOrLoad(ctx, c.cache, "policy-name/"+policyID, func(ctx context.Context) (string, error) {
		var resp struct {
			Policy struct {
				General struct {
					Name string `json:"name"`
				} `json:"general"`
			} `json:"policy"`
		}
		if err := c.do(ctx, http.MethodGet, "/JSSResource/policies/id/"+url.PathEscape(policyID), nil, nil, &resp); err != nil {
			return "", fmt.Errorf("failed to fetch policy %s: %w", policyID, err)
		}
		return resp.Policy.General.Name, nil
	})
}

// PatchReport returns every device's installed version of a patch title.
func (c *Client) PatchReport(ctx context.Context, titleID string) ([]inventory.RawPatchStatus, error) {
	path := "/api/v2/patch-software-title-configurations/" + url.PathEscape(titleID) + "/patch-report"
	rows, err := fetchPages[inventory.RawPatchStatus](ctx, c, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch patch report for title %s: %w", titleID, err)
	}
	return rows, nil
}

// LatestPatchVersion returns the newest known version of a patch title.
// Results are cached for the run.
func (c *Client) LatestPatchVersion(ctx context.Context, titleID string) (string, error) {
	return cache.GetOrLoad(ctx, c.cache, "patch-latest/"+titleID, func(ctx context.Context) (string, error) {
		var resp page[struct {
			Version string `json:"version"`
		}]
		path := "/api/v2/patch-software-title-configurations/" + url.PathEscape(titleID) + "/definitions"
		q := url.Values{"page": {"0"}, "page-size": {"1"}, "sort": {"absoluteOrderId:asc"}}
		if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
			return "", fmt.Errorf("failed to fetch definitions for title %s: %w", titleID, err)
		}
		if len(resp.Results) == 0 || resp.Results[0].Version == "" {
			return "", fmt.Errorf("patch title %s has no definitions: %w", titleID, crguard.ErrNotFound)
		}
		return resp.Results[0].Version, nil
	})
}

// InstalledProfiles returns the ids of configuration profiles applied to a
// computer.
func (c *Client) InstalledProfiles(ctx context.Context, computerID string) ([]string, error) {
	var resp struct {
		Management struct {
			Profiles []struct {
				ID inventory.FlexID `json:"id"`
			} `json:"os_x_configuration_profiles"`
		} `json:"computer_management"`
	}
	path := "/JSSResource/computermanagement/id/" + url.PathEscape(computerID) + "/subset/OSXConfigurationProfiles"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch profiles for computer %s: %w", computerID, err)
	}
	ids := make([]string, 0, len(resp.Management.Profiles))
	for _, p := range resp.Management.Profiles {
		if p.ID != "" {
			ids = append(ids, string(p.ID))
		}
	}
	return ids, nil
}
