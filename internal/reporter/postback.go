package reporter

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/observability"
)

// Flush sends postbacks for every invocation that is due, as a timer tick
// would.
func (r *Reporter) Flush() {
	r.queue.Async(r.tick)
}

type pendingPostback struct {
	inv    *aem.Invocation
	params map[string]any
	record analytics.PostbackRecord
}

// dueForPostback reports whether inv holds an unsent conversion whose
// window closed and whose retry backoff has elapsed.
func (r *Reporter) dueForPostback(inv *aem.Invocation, now time.Time) bool {
	if !inv.NeedsPostback(r.configs) {
		return false
	}
	return inv.NextPostbackAt.IsZero() || !now.Before(inv.NextPostbackAt)
}

func (r *Reporter) flush() {
	if r.flushing {
		return
	}
	now := r.opts.Now()
	if now.Before(r.minAggregationAt) {
		if r.deferredFlush == nil {
			r.deferredFlush = r.queue.AsyncAfter(r.minAggregationAt.Sub(now), func() {
				r.deferredFlush = nil
				if r.enabled {
					r.flush()
				}
			})
		}
		return
	}

	batchID := uuid.NewString()
	device := r.device()
	var batch []pendingPostback
	for _, inv := range r.invocations {
		if !r.dueForPostback(inv, now) {
			continue
		}
		p, err := r.postbackParams(inv)
		if err != nil {
			r.deps.Metrics.IncrementPostbacks("signature_error")
			r.deps.Logger.Warn("skipping aem postback this cycle",
				zap.String("campaign_id", inv.CampaignID), zap.Error(err))
			continue
		}
		batch = append(batch, pendingPostback{
			inv:    inv,
			params: p,
			record: analytics.PostbackRecord{
				BatchID:         batchID,
				CampaignID:      inv.CampaignID,
				BusinessID:      inv.BusinessID,
				ConfigID:        inv.ConfigID,
				ConversionValue: inv.ConversionValue,
				Priority:        inv.Priority,
				Attempts:        inv.PostbackAttempts + 1,
				Device:          device,
			},
		})
	}
	if len(batch) == 0 {
		return
	}

	reports := make([]map[string]any, len(batch))
	for i, p := range batch {
		reports[i] = p.params
	}
	body, err := json.Marshal(reports)
	if err != nil {
		r.deps.Logger.Error("encode aem postbacks", zap.Error(err))
		return
	}

	next := now.Add(r.opts.AggregationDelay)
	if prev := r.minAggregationAt.Add(r.opts.AggregationDelay); prev.After(next) {
		next = prev
	}
	r.minAggregationAt = next
	r.save(db.KeyMinAggregationStamp, next)

	r.flushing = true
	path := r.opts.AppID + "/" + conversionsPath
	r.queue.Detach(func() func() {
		ctx, span := observability.Tracer("reporter").Start(r.ctx, "aem.postback")
		span.SetAttributes(
			attribute.String("batch.id", batchID),
			attribute.Int("batch.size", len(batch)),
		)
		start := time.Now()
		_, err := r.deps.Graph.Post(ctx, path, map[string]any{conversionsParam: string(body)})
		r.deps.Metrics.RecordPostbackLatency(time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "postback failed")
		}
		span.End()

		done := r.opts.Now()
		for i := range batch {
			rec := batch[i].record
			rec.Timestamp = done
			rec.Outcome = r.outcome(rec.Attempts, err)
			if aerr := r.deps.Auditor.RecordPostback(r.ctx, rec); aerr != nil && !errors.Is(aerr, analytics.ErrUnavailable) {
				r.deps.Logger.Warn("audit aem postback", zap.Error(aerr))
			}
		}
		return func() {
			r.flushing = false
			r.completePostbacks(batch, done, err)
		}
	})
}

func (r *Reporter) outcome(attempts int, err error) string {
	switch {
	case err == nil:
		return "sent"
	case r.opts.MaxRetries > 0 && attempts >= r.opts.MaxRetries:
		return "dropped"
	default:
		return "failed"
	}
}

func (r *Reporter) completePostbacks(batch []pendingPostback, now time.Time, err error) {
	if err == nil {
		for _, p := range batch {
			p.inv.IsAggregated = true
			p.inv.PostbackSent = true
			r.deps.Metrics.IncrementPostbacks("sent")
		}
		r.deps.Logger.Info("aem postbacks sent", zap.Int("count", len(batch)))
		r.clearCache()
		r.saveInvocations()
		return
	}

	r.deps.Logger.Warn("aem postback failed, will retry", zap.Int("count", len(batch)), zap.Error(err))
	dropped := make(map[*aem.Invocation]bool)
	for _, p := range batch {
		p.inv.PostbackAttempts++
		if r.outcome(p.inv.PostbackAttempts, err) == "dropped" {
			dropped[p.inv] = true
			r.deps.Metrics.IncrementPostbacks("dropped")
			r.deps.Logger.Warn("dropping aem invocation after repeated postback failures",
				zap.String("campaign_id", p.inv.CampaignID), zap.Int("attempts", p.inv.PostbackAttempts))
			continue
		}
		r.deps.Metrics.IncrementPostbacks("failed")
		if backoff := r.backoff(p.inv.PostbackAttempts); backoff > 0 {
			p.inv.NextPostbackAt = now.Add(backoff)
		}
	}
	if len(dropped) > 0 {
		kept := r.invocations[:0]
		for _, inv := range r.invocations {
			if !dropped[inv] {
				kept = append(kept, inv)
			}
		}
		r.invocations = kept
	}
	r.saveInvocations()
}

// backoff doubles RetryBackoff per failed attempt, capped at one day.
func (r *Reporter) backoff(attempts int) time.Duration {
	if r.opts.RetryBackoff <= 0 || attempts <= 0 {
		return 0
	}
	d := r.opts.RetryBackoff
	for i := 1; i < attempts && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

func (r *Reporter) postbackParams(inv *aem.Invocation) (map[string]any, error) {
	delay := r.opts.Delay()
	mac, err := inv.HMAC(delay, r.opts.Digest)
	if err != nil {
		return nil, err
	}
	p := map[string]any{
		paramCampaignID:  inv.CampaignID,
		paramConversion:  inv.ConversionValue,
		paramConsumption: delay,
		paramToken:       inv.ACSToken,
		paramDelayFlow:   delayFlowServer,
		paramConfigID:    inv.ACSConfigID,
		paramHMAC:        mac,
		paramFiltering:   inv.IsConversionFilteringEligible && r.opts.ConversionFiltering,
	}
	if inv.BusinessID != "" {
		p[paramBusinessID] = inv.BusinessID
	}
	return p, nil
}
