package main

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/log"
)

// Poller scrapes the status page every interval and publishes the result.
// It is the only user of the session and fetcher.
type Poller struct {
	session   *Session
	fetcher   *Fetcher
	extractor *Extractor
	store     *SnapshotStore
	exporter  *Exporter
	interval  time.Duration
	logger    log.Logger
	now       func() time.Time
}

func NewPoller(session *Session, fetcher *Fetcher, extractor *Extractor, store *SnapshotStore, exporter *Exporter, interval time.Duration, logger log.Logger) *Poller {
	return &Poller{
		session:   session,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		exporter:  exporter,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled, which is checked between cycles. A page
// that cannot be parsed only skips the cycle; a request that runs out of
// retries stops the loop and is returned.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.logger.Warnln("Poll loop shutdown")
			return nil
		}

		if err := p.poll(ctx); err != nil {
			var parseErr *ParseError
			switch {
			case errors.As(err, &parseErr):
			case ctx.Err() != nil:
				p.logger.Warnln("Poll loop shutdown")
				return nil
			default:
				return err
			}
		}

		if err := sleepContext(ctx, p.interval); err != nil {
			p.logger.Warnln("Poll loop shutdown")
			return nil
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	logger := p.logger.With("poll", uuid.NewString())
	p.exporter.totalScrapes.Inc()

	ok, err := p.session.EnsureLogin(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warnln("Not logged in, fetching status page anyway")
	}

	resp, err := p.fetcher.Do(ctx, Request{Path: statusPath}, true)
	var tooLarge *ResponseTooLargeError
	if errors.As(err, &tooLarge) {
		err = &ParseError{Kind: DocumentTooLarge, Section: "document", Detail: tooLarge.Error()}
		p.exporter.parseFailures.WithLabelValues("document").Inc()
		logger.Errorf("Failed to parse status page, keeping previous data: %v", err)
		return err
	}
	if err != nil {
		return err
	}
	logger.Infoln("Grabbed status page")

	snapshot, err := p.extractor.Extract(bytes.NewReader(resp.Body))
	if err != nil {
		section := "document"
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			section = parseErr.Section
		} else {
			err = &ParseError{Kind: SchemaMismatch, Section: section, Detail: err.Error()}
		}
		p.exporter.parseFailures.WithLabelValues(section).Inc()
		logger.Errorf("Failed to parse status page, keeping previous data: %v", err)
		return err
	}

	snapshot.CollectedAt = p.now()
	p.store.Replace(snapshot)
	logger.Infof("Updated export data: %d downstream, %d upstream, %d error rows",
		len(snapshot.Downstream), len(snapshot.Upstream), len(snapshot.Error))
	return nil
}
