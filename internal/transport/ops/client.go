package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PurgeRemote asks every peer's ops endpoint to purge the named cache. All
// peers are tried; failures are joined.
func PurgeRemote(ctx context.Context, client *http.Client, peers []string, name string) error {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	var errs []error
	for _, peer := range peers {
		url := strings.TrimRight(peer, "/") + "/caches/" + name + "/purge"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errs = append(errs, fmt.Errorf("%s: %s", peer, resp.Status))
		}
	}
	return errors.Join(errs...)
}
