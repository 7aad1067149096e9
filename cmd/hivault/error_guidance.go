package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"hivault/internal/api"
	"hivault/internal/models"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	switch {
	case errors.Is(err, models.ErrInvalidAssetReference):
		lines = append(lines, "hint: asset ids start with a letter or digit and use only letters, digits, '.', '_', ':' or '-'.")
	case errors.Is(err, models.ErrResolutionExhausted):
		lines = append(lines,
			"hint: the asset has no local copy and no reachable source; check it with: hivault asset show <id>",
			"hint: record a source with: hivault asset link <id> --url <url>",
		)
	case errors.Is(err, models.ErrStorageUnavailable):
		lines = append(lines, "hint: check db_path and blob_dir (or HIVAULT_DB and HIVAULT_BLOB_DIR) point to writable locations.")
	case errors.Is(err, models.ErrNotFound):
		lines = append(lines, "hint: list known ids with: hivault asset ls or hivault conv ls")
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			lines = append(lines, "hint: verify HIVAULT_API_TOKEN configuration.")
		case http.StatusTooManyRequests:
			lines = append(lines, "hint: retry shortly or lower resolver.precache_concurrency.")
		case http.StatusRequestEntityTooLarge:
			lines = append(lines, "hint: the media service rejects uploads over 10MB.")
		}
		if apiErr.Code == "" && apiErr.Status == http.StatusNotFound {
			lines = append(lines, "hint: verify HIVAULT_API_URL points to the media service.")
		}
		if apiErr.Status >= 500 {
			lines = append(lines, "hint: the service returned an internal error; retry later.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; increase HIVAULT_HTTP_TIMEOUT for slower networks.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure the media service is reachable at HIVAULT_API_URL.",
			"hint: you can increase HIVAULT_HTTP_TIMEOUT for slower environments.",
		)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
