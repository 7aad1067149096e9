package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"hivault/internal/models"
)

// PrecacheReport summarizes a Precache run.
type PrecacheReport struct {
	Cached       []string          `json:"cached"`
	AlreadyLocal []string          `json:"already_local"`
	Failed       map[string]string `json:"failed,omitempty"`
}

// Precache makes sure every id has a local copy, downloading from the last
// known source where needed. Individual failures are collected in the report
// and never abort the batch; only cancellation of ctx is returned as an error.
func (r *Resolver) Precache(ctx context.Context, ids []string) (PrecacheReport, error) {
	report := PrecacheReport{Failed: map[string]string{}}
	var mu sync.Mutex

	p := pool.New().WithContext(ctx).WithMaxGoroutines(r.cfg.PrecacheConcurrency)
	for _, id := range dedupe(ids) {
		p.Go(func(ctx context.Context) error {
			cached, err := r.ensureLocal(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				r.log.Debug().Err(err).Str("asset_id", id).Msg("precache failed")
				report.Failed[id] = err.Error()
			case cached:
				report.Cached = append(report.Cached, id)
			default:
				report.AlreadyLocal = append(report.AlreadyLocal, id)
			}
			return nil
		})
	}
	_ = p.Wait()

	sort.Strings(report.Cached)
	sort.Strings(report.AlreadyLocal)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// ensureLocal returns true when it downloaded and stored the asset, false
// when a local copy already existed.
func (r *Resolver) ensureLocal(ctx context.Context, assetID string) (bool, error) {
	if err := models.ValidateAssetID(assetID); err != nil {
		return false, err
	}
	if r.fetcher == nil {
		return false, fmt.Errorf("no fetcher configured")
	}

	unlock, err := r.lock(ctx, assetID)
	if err != nil {
		return false, err
	}
	defer unlock()

	asset, err := r.store.GetAsset(ctx, assetID)
	if err != nil {
		return false, err
	}
	if asset != nil {
		return false, nil
	}

	src, err := r.store.GetAssetSource(ctx, assetID)
	if err != nil {
		return false, err
	}
	if src == nil {
		return false, models.NewOpError("precache asset", models.ErrResolutionExhausted, fmt.Errorf("no source recorded"))
	}

	fetchURL := usableURL(src.SourceURL)
	if fetchURL == "" && src.Reference.Known() {
		if r.tracker == nil {
			fetchURL = usableURL(src.Reference.URL)
		} else {
			res, err := r.tracker.ResolveURL(ctx, src.Reference)
			if err != nil {
				return false, err
			}
			if res.Refreshed != nil {
				if err := r.store.UpdateReference(ctx, assetID, *res.Refreshed); err != nil {
					r.log.Warn().Err(err).Str("asset_id", assetID).Msg("persist refreshed reference failed")
				}
			}
			fetchURL = usableURL(res.URL)
		}
	}
	if fetchURL == "" {
		return false, models.NewOpError("precache asset", models.ErrResolutionExhausted, fmt.Errorf("no fetchable url"))
	}

	fetched, err := r.downloadWithRetry(ctx, fetchURL, r.cfg.MaxRetries)
	if err != nil {
		return false, models.NewOpError("precache asset", models.ErrResolutionExhausted, err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	asset = &models.Asset{
		ID:          assetID,
		Data:        fetched.Data,
		ContentType: pickContentType(fetched.ContentType, src.ContentType),
	}
	if err := r.store.PutAsset(ctx, asset); err != nil {
		return false, err
	}
	return true, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
