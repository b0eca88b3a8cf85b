package main

import (
	"fmt"

	"github.com/andybalholm/cascadia"
)

// Default selectors for the XB3 "Comcast Network" status page.
const (
	defaultUptimeSelector     = "#content > div:nth-child(3) > div:nth-child(4) > span.value"
	defaultDownstreamSelector = "#content > div:nth-of-type(5) > table > tbody"
	defaultUpstreamSelector   = "#content > div:nth-of-type(6) > table > tbody"
	defaultErrorSelector      = "#content > div:nth-of-type(7) > table > tbody"
)

const (
	sectionUptime     = "uptime"
	sectionDownstream = "downstream"
	sectionUpstream   = "upstream"
	sectionError      = "error"
)

// Field rows of each table, in page order.
var (
	downstreamFields = []string{"channel", "lock_status", "frequency", "snr", "power_level", "modulation"}
	upstreamFields   = []string{"channel", "lock_status", "frequency", "symbol_rate", "power_level", "modulation", "channel_type"}
	errorFields      = []string{"unerrored", "correctable", "uncorrectable"}
)

// PageSchema locates the data regions of the status page. Firmware changes
// that move the regions around only need new selectors.
type PageSchema struct {
	Uptime     string `yaml:"uptime"`
	Downstream string `yaml:"downstream"`
	Upstream   string `yaml:"upstream"`
	Error      string `yaml:"error"`
}

func defaultPageSchema() PageSchema {
	return PageSchema{
		Uptime:     defaultUptimeSelector,
		Downstream: defaultDownstreamSelector,
		Upstream:   defaultUpstreamSelector,
		Error:      defaultErrorSelector,
	}
}

type compiledSchema struct {
	uptime     cascadia.Selector
	downstream cascadia.Selector
	upstream   cascadia.Selector
	error      cascadia.Selector
}

func (p PageSchema) compile() (*compiledSchema, error) {
	var (
		c   compiledSchema
		err error
	)
	for _, s := range []struct {
		name string
		sel  string
		dst  *cascadia.Selector
	}{
		{sectionUptime, p.Uptime, &c.uptime},
		{sectionDownstream, p.Downstream, &c.downstream},
		{sectionUpstream, p.Upstream, &c.upstream},
		{sectionError, p.Error, &c.error},
	} {
		if s.sel == "" {
			return nil, fmt.Errorf("page.%s: selector is empty", s.name)
		}
		if *s.dst, err = cascadia.Compile(s.sel); err != nil {
			return nil, fmt.Errorf("page.%s: %w", s.name, err)
		}
	}
	return &c, nil
}
