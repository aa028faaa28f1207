package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
		Active  *bool  `json:"active,omitempty"`
	} `json:"data"`
}

// ListModels returns the sorted IDs of the models the endpoint offers.
// Models explicitly flagged inactive are skipped.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}

	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, NewFatalError(fmt.Errorf("decode model list: %w", err))
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.Active != nil && !*m.Active {
			continue
		}
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
